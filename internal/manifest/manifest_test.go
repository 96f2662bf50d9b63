package manifest

import (
	"testing"

	"github.com/Masterminds/semver/v3"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	if err != nil {
		t.Fatalf("version %q: %v", s, err)
	}
	return v
}

func TestRoutePrefix(t *testing.T) {
	m := &Manifest{ID: "audit-log"}
	if got := m.RoutePrefix(); got != "/plugins/audit-log/" {
		t.Errorf("RoutePrefix() = %q", got)
	}
}

func TestSemVersionAndCoreConstraint(t *testing.T) {
	m := &Manifest{ID: "demo", Version: "1.2.3", CoreVersion: "^1.0.0"}

	v, err := m.SemVersion()
	if err != nil {
		t.Fatalf("SemVersion: %v", err)
	}
	if v.Minor() != 2 {
		t.Errorf("SemVersion() = %s", v)
	}

	c, err := m.CoreConstraint()
	if err != nil {
		t.Fatalf("CoreConstraint: %v", err)
	}
	if !c.Check(mustVersion(t, "1.9.0")) {
		t.Error("^1.0.0 should match 1.9.0")
	}
	if c.Check(mustVersion(t, "2.0.0")) {
		t.Error("^1.0.0 should not match 2.0.0")
	}
}

func TestManifestString(t *testing.T) {
	m := &Manifest{ID: "demo", Version: "0.3.0"}
	if got := m.String(); got != "demo v0.3.0" {
		t.Errorf("String() = %q", got)
	}
}
