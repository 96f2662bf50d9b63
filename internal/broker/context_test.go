package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/wardenhost/warden/internal/event"
	"github.com/wardenhost/warden/internal/identity"
	"github.com/wardenhost/warden/internal/manifest"
	"github.com/wardenhost/warden/internal/storage"
)

type fakeNav struct {
	paths []string
	backs int
	host  map[string]bool
}

func (n *fakeNav) NavigateTo(path string) error { n.paths = append(n.paths, path); return nil }
func (n *fakeNav) NavigateBack()                { n.backs++ }
func (n *fakeNav) IsHostRoute(path string) bool { return n.host[path] }

type fakeNotify struct {
	msgs []string
}

func (f *fakeNotify) ShowSuccess(msg string) { f.msgs = append(f.msgs, "success:"+msg) }
func (f *fakeNotify) ShowError(msg string)   { f.msgs = append(f.msgs, "error:"+msg) }
func (f *fakeNotify) ShowWarning(msg string) { f.msgs = append(f.msgs, "warning:"+msg) }
func (f *fakeNotify) ShowInfo(msg string)    { f.msgs = append(f.msgs, "info:"+msg) }

func testManifest(id string, required ...string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:          id,
		Name:        "Test " + id,
		Version:     "1.0.0",
		Author:      "tester",
		CoreVersion: ">=1.0.0",
		Permissions: manifest.Permissions{Required: required},
	}
}

func testContext(t *testing.T, m *manifest.Manifest, deps Deps) *Context {
	t.Helper()
	if deps.Identity == nil {
		deps.Identity = identity.NewStatic(identity.Facts{Authenticated: true})
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemory()
	}
	if deps.Bus == nil {
		deps.Bus = event.New()
	}
	return New(m, deps)
}

func TestIdentityQueries(t *testing.T) {
	id := identity.NewStatic(identity.Facts{
		Authenticated: true,
		Roles:         []string{"admin", "editor"},
		Permissions:   []string{"read:data"},
	})
	c := testContext(t, testManifest("demo"), Deps{Identity: id})

	if !c.HasRole("admin") {
		t.Error("HasRole(admin) = false")
	}
	if c.HasRole("viewer") {
		t.Error("HasRole(viewer) = true")
	}
	if !c.HasPermission("read:data") {
		t.Error("HasPermission(read:data) = false")
	}
	if !c.HasAnyRole("viewer", "editor") {
		t.Error("HasAnyRole(viewer, editor) = false")
	}
	if c.HasAllRoles("admin", "viewer") {
		t.Error("HasAllRoles(admin, viewer) = true")
	}
	if !c.HasAllRoles("admin", "editor") {
		t.Error("HasAllRoles(admin, editor) = false")
	}
}

func TestIdentityQueriesNeverFailWithoutProvider(t *testing.T) {
	c := New(testManifest("demo"), Deps{
		Store: storage.NewMemory(),
		Bus:   event.New(),
	})
	if c.HasRole("admin") || c.HasPermission("anything") {
		t.Error("queries without a provider must report false")
	}
}

func TestNavigateTo(t *testing.T) {
	nav := &fakeNav{host: map[string]bool{"/settings": true}}
	c := testContext(t, testManifest("demo"), Deps{Nav: nav})

	tests := []struct {
		path string
		ok   bool
	}{
		{"/settings", true},
		{"/plugins/demo/", true},
		{"/plugins/demo/page", true},
		{"/plugins/other-plugin/admin", true},
		{"/plugins/", false},
		{"/plugins/demo", false},
		{"https://example.com", false},
		{"/unknown", false},
	}
	for _, tt := range tests {
		err := c.NavigateTo(tt.path)
		if tt.ok && err != nil {
			t.Errorf("NavigateTo(%q) = %v, want nil", tt.path, err)
		}
		if !tt.ok && !errors.Is(err, ErrRouteRejected) {
			t.Errorf("NavigateTo(%q) = %v, want ErrRouteRejected", tt.path, err)
		}
	}
	if len(nav.paths) != 4 {
		t.Errorf("navigator received %d paths, want 4", len(nav.paths))
	}

	c.NavigateBack()
	if nav.backs != 1 {
		t.Errorf("backs = %d, want 1", nav.backs)
	}
}

func TestPermissionGating(t *testing.T) {
	ident := identity.NewStatic(identity.Facts{Authenticated: true})
	store := storage.NewMemory()
	bus := event.New()
	c := testContext(t, testManifest("demo", "manage:data"), Deps{
		Identity: ident,
		Nav:      &fakeNav{host: map[string]bool{"/settings": true}},
		Store:    store,
		Bus:      bus,
	})

	if err := c.NavigateTo("/settings"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("NavigateTo = %v, want ErrPermissionDenied", err)
	}

	c.SetPluginData(context.Background(), "k", []byte(`"v"`))
	if _, ok := c.GetPluginData(context.Background(), "k"); ok {
		t.Error("denied write must not persist")
	}

	fired := false
	bus.Subscribe("demo:saved", func(any) { fired = true })
	c.EmitEvent("saved", nil)
	if fired {
		t.Error("denied emit must not publish")
	}

	dispose := c.OnEvent("demo:saved", func(any) {})
	dispose() // no-op disposer must be callable
	if bus.Count() != 1 {
		t.Errorf("bus has %d subscriptions, want only the test's own", bus.Count())
	}

	// Granting the permission unlocks the same calls.
	ident.SetFacts(identity.Facts{Authenticated: true, Permissions: []string{"manage:data"}})
	if err := c.NavigateTo("/settings"); err != nil {
		t.Errorf("NavigateTo after grant = %v", err)
	}
	c.SetPluginData(context.Background(), "k", []byte(`"v"`))
	if _, ok := c.GetPluginData(context.Background(), "k"); !ok {
		t.Error("write after grant missing")
	}
}

func TestNotificationsNeverFail(t *testing.T) {
	c := testContext(t, testManifest("demo"), Deps{})
	// No notifier wired: must not panic.
	c.ShowSuccess("saved")
	c.ShowError("boom")

	n := &fakeNotify{}
	c = testContext(t, testManifest("demo"), Deps{Notify: n})
	c.ShowSuccess("a")
	c.ShowError("b")
	c.ShowWarning("c")
	c.ShowInfo("d")
	want := []string{"success:a", "error:b", "warning:c", "info:d"}
	if len(n.msgs) != len(want) {
		t.Fatalf("msgs = %v, want %v", n.msgs, want)
	}
	for i := range want {
		if n.msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, n.msgs[i], want[i])
		}
	}
}

type panicNotify struct{ fakeNotify }

func (panicNotify) ShowError(string) { panic("presenter down") }

func TestNotifierPanicContained(t *testing.T) {
	c := testContext(t, testManifest("demo"), Deps{Notify: &panicNotify{}})
	c.ShowError("boom") // must not propagate
}

func TestStorageIsolationBetweenContexts(t *testing.T) {
	store := storage.NewMemory()
	a := testContext(t, testManifest("plugin-a"), Deps{Store: store})
	b := testContext(t, testManifest("plugin-b"), Deps{Store: store})

	a.SetPluginData(context.Background(), "shared", []byte(`"from-a"`))
	if _, ok := b.GetPluginData(context.Background(), "shared"); ok {
		t.Error("plugin-b can read plugin-a's data")
	}
	b.ClearPluginData(context.Background())
	if _, ok := a.GetPluginData(context.Background(), "shared"); !ok {
		t.Error("plugin-b's clear erased plugin-a's data")
	}
}

func TestEmitEventNamespacing(t *testing.T) {
	bus := event.New()
	c := testContext(t, testManifest("demo"), Deps{Bus: bus})

	var got []string
	bus.Subscribe("demo:saved", func(p any) { got = append(got, "namespaced") })
	bus.Subscribe("saved", func(p any) { got = append(got, "raw") })

	c.EmitEvent("saved", 1)
	if len(got) != 1 || got[0] != "namespaced" {
		t.Errorf("got %v, want only the namespaced subscriber", got)
	}
}

func TestOnEventDisposerAndRelease(t *testing.T) {
	bus := event.New()
	c := testContext(t, testManifest("demo"), Deps{Bus: bus})

	hits := 0
	dispose := c.OnEvent("other:ping", func(any) { hits++ })
	c.OnEvent("other:pong", func(any) { hits++ })

	bus.Emit("other:ping", nil)
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}

	dispose()
	bus.Emit("other:ping", nil)
	if hits != 1 {
		t.Errorf("hits after dispose = %d, want 1", hits)
	}

	if n := c.ReleaseSubscriptions(); n != 1 {
		t.Errorf("ReleaseSubscriptions = %d, want 1", n)
	}
	bus.Emit("other:pong", nil)
	if hits != 1 {
		t.Errorf("hits after release = %d, want 1", hits)
	}
}
