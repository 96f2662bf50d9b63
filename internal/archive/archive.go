// Package archive reads plugin packages: a zip file or an unpacked
// directory carrying the manifest and the entry module at its root.
// Extraction mechanics beyond those two files belong to host file
// services; this package only locates and reads what the validator and
// loader consume.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ManifestName is the manifest file required at archive root.
	ManifestName = "plugin.json"

	// EntryName is the entry module required at archive root.
	EntryName = "plugin.lua"
)

// ErrLayout rejects archives without a root-level manifest and entry
// module. Nested-directory-only archives fail with this error.
var ErrLayout = errors.New("archive: plugin.json and plugin.lua required at archive root")

// Package is the pair of documents the lifecycle consumes.
type Package struct {
	Manifest []byte
	Module   []byte
}

// Read opens path as a plugin package: a .zip archive or a directory.
func Read(path string) (*Package, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if info.IsDir() {
		return ReadDir(path)
	}
	return ReadZip(path)
}

// ReadDir reads an unpacked plugin directory.
func ReadDir(dir string) (*Package, error) {
	m, merr := os.ReadFile(filepath.Join(dir, ManifestName))
	e, eerr := os.ReadFile(filepath.Join(dir, EntryName))
	if merr != nil || eerr != nil {
		return nil, fmt.Errorf("%w (in %s)", ErrLayout, dir)
	}
	return &Package{Manifest: m, Module: e}, nil
}

// ReadZip reads a zipped plugin package. Both required files must sit
// at the root of the zip: entries inside directories do not count, so
// an archive that wraps the plugin in a top-level folder is rejected.
func ReadZip(path string) (*Package, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	defer r.Close()

	var pkg Package
	for _, f := range r.File {
		name := f.Name
		if strings.ContainsAny(name, "/\\") {
			continue // nested entry
		}
		switch name {
		case ManifestName:
			pkg.Manifest, err = readEntry(f)
		case EntryName:
			pkg.Module, err = readEntry(f)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read %s: %w", name, err)
		}
	}
	if pkg.Manifest == nil || pkg.Module == nil {
		return nil, fmt.Errorf("%w (in %s)", ErrLayout, path)
	}
	return &pkg, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
