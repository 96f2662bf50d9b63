// Package main is the entry point for the warden plugin host CLI:
// it loads plugin packages from disk, installs them, and prints the
// resulting states and aggregate menu/widget tables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/wardenhost/warden/internal/host"
	"github.com/wardenhost/warden/internal/lifecycle"
	"github.com/wardenhost/warden/internal/manifest"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	h, err := host.New(host.Config{
		Version:     opts.HostVersion,
		StoragePath: opts.StoragePath,
		Logger:      log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer h.Close()

	h.Controller().Subscribe(func(ev lifecycle.Event) {
		if ev.Err != nil {
			log.Warn("lifecycle event", "type", ev.Type.String(), "plugin", ev.Plugin, "err", ev.Err)
			return
		}
		log.Debug("lifecycle event", "type", ev.Type.String(), "plugin", ev.Plugin)
	})

	ctx := context.Background()
	failures := 0
	for _, path := range opts.Packages {
		m, verrs, err := h.InstallPackage(ctx, path)
		switch {
		case len(verrs) > 0:
			failures++
			fmt.Fprintf(os.Stderr, "Error: %s: invalid manifest:\n", path)
			for _, v := range verrs {
				fmt.Fprintf(os.Stderr, "  - %s\n", v.Error())
			}
		case err != nil:
			failures++
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
		default:
			fmt.Printf("installed %s %s\n", m.ID, m.Version)
		}
	}

	printSummary(h)

	if failures > 0 {
		return 1
	}
	return 0
}

func printSummary(h *host.Host) {
	reg := h.Registry()

	fmt.Println("\nPlugins:")
	for _, rec := range reg.List() {
		line := fmt.Sprintf("  %-20s %-10s %s", rec.Manifest.ID, rec.Manifest.Version, rec.State)
		if rec.LastError != "" {
			line += "  (" + rec.LastError + ")"
		}
		fmt.Println(line)
	}

	for _, mt := range []manifest.MenuType{manifest.MenuMain, manifest.MenuAdmin} {
		menus := reg.Menus(mt)
		if len(menus) == 0 {
			continue
		}
		fmt.Printf("\n%s menu:\n", mt)
		for _, m := range menus {
			fmt.Printf("  %-20s %s\n", m.Label, m.Route)
		}
	}

	slots := []manifest.Slot{
		manifest.SlotDashboardTop,
		manifest.SlotDashboardStats,
		manifest.SlotDashboardSidebar,
		manifest.SlotDashboardMain,
	}
	for _, slot := range slots {
		widgets := reg.Widgets(slot)
		if len(widgets) == 0 {
			continue
		}
		fmt.Printf("\nwidgets (%s):\n", slot)
		for _, w := range widgets {
			fmt.Printf("  %-20s %s.%s\n", w.ID, w.PluginID, w.Widget.Component)
		}
	}

	if routes := reg.Routes(); len(routes) > 0 {
		fmt.Println("\nroutes:")
		for _, r := range routes {
			fmt.Printf("  %s\n", r.Path)
		}
	}
}

type options struct {
	HostVersion string
	StoragePath string
	Debug       bool
	Packages    []string
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.HostVersion, "host-version", "1.0.0", "Host semantic version checked against manifest coreVersion ranges")
	flag.StringVar(&opts.StoragePath, "storage", "", "SQLite database path for plugin storage (default in-memory)")
	flag.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&opts.Debug, "d", false, "Enable debug logging (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Warden - plugin lifecycle host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: warden [options] <package>...\n\n")
		fmt.Fprintf(os.Stderr, "A package is a plugin directory or .zip archive containing\n")
		fmt.Fprintf(os.Stderr, "plugin.json and plugin.lua at its root.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  warden ./plugins/demo           Install an unpacked plugin\n")
		fmt.Fprintf(os.Stderr, "  warden -storage state.db a.zip  Install with persistent storage\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("Warden %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	opts.Packages = flag.Args()
	if len(opts.Packages) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	return opts
}
