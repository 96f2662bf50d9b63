package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, body := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadZip(t *testing.T) {
	path := writeZip(t, map[string]string{
		"plugin.json": `{"id": "demo"}`,
		"plugin.lua":  `function main() end`,
		"assets/x":    "ignored",
	})
	pkg, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(pkg.Manifest) != `{"id": "demo"}` {
		t.Errorf("manifest = %s", pkg.Manifest)
	}
	if string(pkg.Module) != `function main() end` {
		t.Errorf("module = %s", pkg.Module)
	}
}

func TestReadZipNestedOnlyRejected(t *testing.T) {
	path := writeZip(t, map[string]string{
		"demo/plugin.json": `{}`,
		"demo/plugin.lua":  ``,
	})
	if _, err := Read(path); !errors.Is(err, ErrLayout) {
		t.Errorf("Read = %v, want ErrLayout", err)
	}
}

func TestReadZipMissingEntryModule(t *testing.T) {
	path := writeZip(t, map[string]string{
		"plugin.json": `{}`,
	})
	if _, err := Read(path); !errors.Is(err, ErrLayout) {
		t.Errorf("Read = %v, want ErrLayout", err)
	}
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{}`), 0o644)
	os.WriteFile(filepath.Join(dir, "plugin.lua"), []byte(`-- entry`), 0o644)

	pkg, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(pkg.Module) != "-- entry" {
		t.Errorf("module = %s", pkg.Module)
	}
}

func TestReadDirMissingManifest(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "plugin.lua"), []byte(``), 0o644)

	if _, err := Read(dir); !errors.Is(err, ErrLayout) {
		t.Errorf("Read = %v, want ErrLayout", err)
	}
}
