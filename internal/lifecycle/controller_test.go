package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wardenhost/warden/internal/loader"
	"github.com/wardenhost/warden/internal/manifest"
	"github.com/wardenhost/warden/internal/registry"
	"github.com/wardenhost/warden/internal/storage"
)

const hostVersion = "1.2.3"

// demoManifest is a complete manifest for plugin "demo": one admin menu
// entry, one widget bound to Widget1, and an onInstall hook.
const demoManifest = `{
	"id": "demo",
	"name": "Demo Plugin",
	"version": "1.0.0",
	"author": "acme",
	"coreVersion": ">=1.0.0",
	"menus": [
		{"id": "demo-home", "label": "Demo", "route": "/plugins/demo/", "type": "main", "order": 1}
	],
	"widgets": [
		{"id": "demo-widget", "component": "Widget1", "slot": "dashboard-top", "order": 1}
	],
	"hooks": {"onInstall": true, "onUninstall": true}
}`

// demoModule exports the route component, Widget1, and hooks. onInstall
// records the install date through the capability table it receives.
const demoModule = `
function main()
	return "demo-root"
end

function Widget1()
	return "widget-1"
end

function onInstall(host)
	host.setPluginData("installDate", "2026-08-26")
end

function onUninstall(host)
	host.emitEvent("goodbye")
end
`

func newController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c, err := New(hostVersion, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustUpload(t *testing.T, c *Controller, doc, module string) {
	t.Helper()
	_, verrs, err := c.Upload(context.Background(), []byte(doc), []byte(module))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(verrs) > 0 {
		t.Fatalf("Upload validation errors: %v", verrs)
	}
}

func wantState(t *testing.T, c *Controller, id string, state registry.State) {
	t.Helper()
	rec, ok := c.Registry().Get(id)
	if !ok {
		t.Fatalf("record %s missing", id)
	}
	if rec.State != state {
		t.Fatalf("state = %s, want %s (lastError: %s)", rec.State, state, rec.LastError)
	}
}

func simpleManifest(id, version, core string, extra string) string {
	doc := fmt.Sprintf(`{"id": %q, "name": "P", "version": %q, "author": "a", "coreVersion": %q`, id, version, core)
	if extra != "" {
		doc += ", " + extra
	}
	return doc + "}"
}

func TestInstallHappyPath(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)
	wantState(t, c, "demo", registry.StateUploaded)

	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	wantState(t, c, "demo", registry.StateInstalled)

	rec, _ := c.Registry().Get("demo")
	if rec.InstalledAt.IsZero() {
		t.Error("installedAt not set")
	}

	// onInstall ran through the issued context and wrote to the
	// plugin's namespace.
	scoped := storage.NewScoped("demo", c.store)
	raw, err := scoped.Get(context.Background(), "installDate")
	if err != nil {
		t.Fatalf("installDate not stored: %v", err)
	}
	if string(raw) != `"2026-08-26"` {
		t.Errorf("installDate = %s", raw)
	}

	// Aggregates expose the plugin's surface.
	menus := c.Registry().Menus(manifest.MenuMain)
	if len(menus) != 1 || menus[0].Route != "/plugins/demo/" {
		t.Errorf("menus = %+v", menus)
	}
	widgets := c.Registry().Widgets(manifest.SlotDashboardTop)
	if len(widgets) != 1 || widgets[0].Component == nil {
		t.Fatalf("widgets = %+v", widgets)
	}
	out, err := widgets[0].Component.Call()
	if err != nil || len(out) != 1 || out[0] != "widget-1" {
		t.Errorf("widget render = %v, %v", out, err)
	}
}

func TestUploadValidationErrors(t *testing.T) {
	c := newController(t)
	_, verrs, err := c.Upload(context.Background(), []byte(`{"id": "Bad_ID"}`), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(verrs) == 0 {
		t.Fatal("expected validation errors")
	}
	if c.Registry().Has("Bad_ID") {
		t.Error("invalid manifest must not be recorded")
	}
}

func TestUploadDuplicateID(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)

	_, _, err := c.Upload(context.Background(), []byte(demoManifest), []byte(demoModule))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Upload duplicate = %v, want ConflictError", err)
	}
	if conflict.Plugin != "demo" {
		t.Errorf("conflict.Plugin = %q", conflict.Plugin)
	}
}

func TestInstallMissingExportFails(t *testing.T) {
	c := newController(t)
	// Widget1 declared but never exported.
	mustUpload(t, c, demoManifest, `function main() return 1 end`)

	err := c.Install(context.Background(), "demo")
	var lerr *loader.LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("Install = %v, want LoadError", err)
	}
	found := false
	for _, m := range lerr.Missing {
		if m == "Widget1" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing list %v does not name Widget1", lerr.Missing)
	}
	wantState(t, c, "demo", registry.StateFailed)

	rec, _ := c.Registry().Get("demo")
	if rec.LastError == "" {
		t.Error("lastError not retained")
	}
	if len(c.Registry().Widgets(manifest.SlotDashboardTop)) != 0 {
		t.Error("failed plugin leaked into aggregates")
	}
}

func TestInstallHookFailureRollsToFailed(t *testing.T) {
	c := newController(t)
	module := `
		function main() return 1 end
		function Widget1() return 1 end
		function onInstall(host) error("hook exploded") end
		function onUninstall(host) end
	`
	mustUpload(t, c, demoManifest, module)

	err := c.Install(context.Background(), "demo")
	var herr *HookError
	if !errors.As(err, &herr) {
		t.Fatalf("Install = %v, want HookError", err)
	}
	if herr.Hook != manifest.HookInstall {
		t.Errorf("hook = %q", herr.Hook)
	}
	wantState(t, c, "demo", registry.StateFailed)

	rec, _ := c.Registry().Get("demo")
	if !strings.Contains(rec.LastError, "hook exploded") {
		t.Errorf("lastError = %q", rec.LastError)
	}
}

func TestInstallUnregisteredDependencyFails(t *testing.T) {
	c := newController(t)
	doc := simpleManifest("needy", "1.0.0", ">=1.0.0",
		`"dependencies": {"plugins": ["base@^2.0.0"]}`)
	mustUpload(t, c, doc, `function main() return 1 end`)

	err := c.Install(context.Background(), "needy")
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("Install = %v, want DependencyError", err)
	}
	if len(derr.Unmet) != 1 || !strings.Contains(derr.Unmet[0], "base@^2.0.0") {
		t.Errorf("unmet = %v", derr.Unmet)
	}
	wantState(t, c, "needy", registry.StateFailed)
}

func TestInstallDependencyVersionMismatch(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, simpleManifest("base", "1.5.0", ">=1.0.0", ""), `function main() return 1 end`)
	mustUpload(t, c, simpleManifest("needy", "1.0.0", ">=1.0.0",
		`"dependencies": {"plugins": ["base@^2.0.0"]}`), `function main() return 1 end`)

	err := c.Install(context.Background(), "needy")
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("Install = %v, want DependencyError", err)
	}
	if !strings.Contains(derr.Unmet[0], "1.5.0") {
		t.Errorf("unmet = %v", derr.Unmet)
	}
}

func TestInstallCyclicDependenciesFail(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, simpleManifest("alpha", "1.0.0", ">=1.0.0",
		`"dependencies": {"plugins": ["beta@^1.0.0"]}`), `function main() return 1 end`)
	mustUpload(t, c, simpleManifest("beta", "1.0.0", ">=1.0.0",
		`"dependencies": {"plugins": ["alpha@^1.0.0"]}`), `function main() return 1 end`)

	err := c.Install(context.Background(), "alpha")
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("Install = %v, want DependencyError", err)
	}
	if !strings.Contains(derr.Error(), "alpha -> beta -> alpha") {
		t.Errorf("error does not name the cycle: %v", derr)
	}
	wantState(t, c, "alpha", registry.StateFailed)
}

func TestInstallSatisfiedDependency(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, simpleManifest("base", "2.3.0", ">=1.0.0", ""), `function main() return 1 end`)
	mustUpload(t, c, simpleManifest("needy", "1.0.0", ">=1.0.0",
		`"dependencies": {"plugins": ["base@^2.0.0"]}`), `function main() return 1 end`)

	if err := c.Install(context.Background(), "needy"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	wantState(t, c, "needy", registry.StateInstalled)
}

func TestInstallCoreVersionMismatch(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, simpleManifest("future", "1.0.0", ">=9.0.0", ""), `function main() return 1 end`)

	err := c.Install(context.Background(), "future")
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("Install = %v, want DependencyError", err)
	}
	if !strings.Contains(derr.Unmet[0], "coreVersion") {
		t.Errorf("unmet = %v", derr.Unmet)
	}
	wantState(t, c, "future", registry.StateFailed)
}

func TestInstallWhileInstalledConflicts(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	err := c.Install(context.Background(), "demo")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second Install = %v, want ConflictError", err)
	}
}

func TestInstallRetryAfterFailure(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, simpleManifest("needy", "1.0.0", ">=1.0.0",
		`"dependencies": {"plugins": ["base@^2.0.0"]}`), `function main() return 1 end`)

	if err := c.Install(context.Background(), "needy"); err == nil {
		t.Fatal("expected dependency failure")
	}
	wantState(t, c, "needy", registry.StateFailed)

	// Registering the dependency makes the retry succeed.
	mustUpload(t, c, simpleManifest("base", "2.0.0", ">=1.0.0", ""), `function main() return 1 end`)
	if err := c.Install(context.Background(), "needy"); err != nil {
		t.Fatalf("retry Install: %v", err)
	}
	wantState(t, c, "needy", registry.StateInstalled)
}

func TestUninstall(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	// A live subscription owned by the plugin must be released.
	bctx, ok := c.Context("demo")
	if !ok {
		t.Fatal("no context for installed plugin")
	}
	hits := 0
	bctx.OnEvent("other:ping", func(any) { hits++ })

	if err := c.Uninstall(context.Background(), "demo"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	wantState(t, c, "demo", registry.StateUninstalled)

	c.Bus().Emit("other:ping", nil)
	if hits != 0 {
		t.Error("subscription survived uninstall")
	}
	if len(c.Registry().Menus(manifest.MenuMain)) != 0 {
		t.Error("uninstalled plugin still in menu aggregate")
	}

	// Storage survives for reinstall.
	scoped := storage.NewScoped("demo", c.store)
	if _, err := scoped.Get(context.Background(), "installDate"); err != nil {
		t.Errorf("storage purged on uninstall: %v", err)
	}
}

func TestUninstallHookFailureStillUninstalls(t *testing.T) {
	c := newController(t)
	module := `
		function main() return 1 end
		function Widget1() return 1 end
		function onInstall(host) end
		function onUninstall(host) error("refuse to leave") end
	`
	mustUpload(t, c, demoManifest, module)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	if err := c.Uninstall(context.Background(), "demo"); err != nil {
		t.Fatalf("Uninstall = %v, want nil despite hook failure", err)
	}
	wantState(t, c, "demo", registry.StateUninstalled)
}

func TestUninstallRequiresInstalled(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)

	err := c.Uninstall(context.Background(), "demo")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Uninstall from UPLOADED = %v, want ConflictError", err)
	}
}

func TestReinstallRunsUpdateHook(t *testing.T) {
	c := newController(t)
	doc := simpleManifest("demo", "1.0.0", ">=1.0.0",
		`"hooks": {"onInstall": true, "onUpdate": true}`)
	module := `
		function main() return 1 end
		function onInstall(host) host.setPluginData("ran", "install") end
		function onUpdate(host) host.setPluginData("ran", "update") end
	`
	mustUpload(t, c, doc, module)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}
	if err := c.Uninstall(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}

	scoped := storage.NewScoped("demo", c.store)
	raw, err := scoped.Get(context.Background(), "ran")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"update"` {
		t.Errorf("reinstall ran %s, want onUpdate", raw)
	}
}

func TestDelete(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	// INSTALLED blocks delete.
	err := c.Delete(context.Background(), "demo")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Delete installed = %v, want ConflictError", err)
	}

	if err := c.Uninstall(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(context.Background(), "demo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c.Registry().Has("demo") {
		t.Error("record survived delete")
	}

	// Storage purged: a later plugin reusing the id starts clean.
	scoped := storage.NewScoped("demo", c.store)
	if _, err := scoped.Get(context.Background(), "installDate"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("storage not purged: %v", err)
	}

	// The id is free again.
	mustUpload(t, c, demoManifest, demoModule)
}

func TestInFlightOperationsAreExclusive(t *testing.T) {
	c := newController(t)
	// onInstall emits an event; a host-side handler tries to uninstall
	// the same plugin mid-install and must be rejected.
	module := `
		function main() return 1 end
		function Widget1() return 1 end
		function onInstall(host) host.emitEvent("installing") end
		function onUninstall(host) end
	`
	mustUpload(t, c, demoManifest, module)

	var reentrant error
	c.Bus().Subscribe("demo:installing", func(any) {
		reentrant = c.Uninstall(context.Background(), "demo")
	})

	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	var conflict *ConflictError
	if !errors.As(reentrant, &conflict) {
		t.Fatalf("reentrant Uninstall = %v, want ConflictError", reentrant)
	}
	if !strings.Contains(conflict.Reason, "install") {
		t.Errorf("reason = %q, want mention of in-flight install", conflict.Reason)
	}
}

func TestCrossPluginEvents(t *testing.T) {
	c := newController(t)
	emitter := `
		function main() return 1 end
		function onInstall(host) end
	`
	listener := `
		function main() return 1 end
		function onInstall(host)
			host.onEvent("emitter:saved", function(payload)
				host.setPluginData("heard", payload)
			end)
		end
	`
	mustUpload(t, c, simpleManifest("emitter", "1.0.0", ">=1.0.0", `"hooks": {"onInstall": true}`), emitter)
	mustUpload(t, c, simpleManifest("listener", "1.0.0", ">=1.0.0", `"hooks": {"onInstall": true}`), listener)
	if err := c.Install(context.Background(), "listener"); err != nil {
		t.Fatal(err)
	}
	if err := c.Install(context.Background(), "emitter"); err != nil {
		t.Fatal(err)
	}

	ectx, _ := c.Context("emitter")
	ectx.EmitEvent("saved", "payload-1")

	scoped := storage.NewScoped("listener", c.store)
	raw, err := scoped.Get(context.Background(), "heard")
	if err != nil {
		t.Fatalf("listener never heard the event: %v", err)
	}
	if string(raw) != `"payload-1"` {
		t.Errorf("heard = %s", raw)
	}
}

func TestObserversNotified(t *testing.T) {
	var seen []string
	obs := func(ev Event) { seen = append(seen, ev.Type.String()+":"+ev.Plugin) }
	c := newController(t, WithObserver(obs))

	mustUpload(t, c, demoManifest, demoModule)
	c.Install(context.Background(), "demo")
	c.Uninstall(context.Background(), "demo")
	c.Delete(context.Background(), "demo")

	want := []string{"uploaded:demo", "installed:demo", "uninstalled:demo", "deleted:demo"}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestFailureObserved(t *testing.T) {
	var failed []Event
	c := newController(t, WithObserver(func(ev Event) {
		if ev.Type == EventFailed {
			failed = append(failed, ev)
		}
	}))
	mustUpload(t, c, demoManifest, `function main() return 1 end`)
	c.Install(context.Background(), "demo")

	if len(failed) != 1 || failed[0].Err == nil {
		t.Fatalf("failed events = %+v", failed)
	}
}

func TestListAndGetInstalled(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)
	mustUpload(t, c, simpleManifest("idle", "1.0.0", ">=1.0.0", ""), `function main() return 1 end`)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	if all := c.List(); len(all) != 2 {
		t.Errorf("List() = %d records, want 2", len(all))
	}
	installed := c.List(registry.StateInstalled)
	if len(installed) != 1 || installed[0].Manifest.ID != "demo" {
		t.Errorf("List(installed) = %+v", installed)
	}

	agg := c.GetInstalled()
	if len(agg.Menus[manifest.MenuMain]) != 1 {
		t.Errorf("menus = %+v", agg.Menus)
	}
	if len(agg.Widgets[manifest.SlotDashboardTop]) != 1 {
		t.Errorf("widgets = %+v", agg.Widgets)
	}
	// Both plugins export a default route component, but only the
	// installed one is routed.
	if len(agg.Routes) != 1 || agg.Routes[0].PluginID != "demo" {
		t.Errorf("routes = %+v", agg.Routes)
	}
}

func TestPublishedRoutesAreNavigable(t *testing.T) {
	c := newController(t)
	mustUpload(t, c, demoManifest, demoModule)
	if err := c.Install(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}

	routes := c.GetInstalled().Routes
	if len(routes) != 1 {
		t.Fatalf("routes = %+v", routes)
	}
	bctx, ok := c.Context("demo")
	if !ok {
		t.Fatal("demo context missing after install")
	}
	if err := bctx.NavigateTo(routes[0].Path); err != nil {
		t.Errorf("NavigateTo(%q) = %v, want published route accepted", routes[0].Path, err)
	}
}

func TestInstallUnknownPlugin(t *testing.T) {
	c := newController(t)
	if err := c.Install(context.Background(), "ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Install(ghost) = %v, want ErrNotFound", err)
	}
}
