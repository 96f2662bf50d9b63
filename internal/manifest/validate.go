package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/gjson"
)

// ValidationError describes a single manifest defect. All defects are
// collected in one pass so the uploader can fix everything at once.
type ValidationError struct {
	Field   string // JSON path of the offending field
	Message string
}

// Error implements error.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return "manifest: " + e.Message
	}
	return fmt.Sprintf("manifest: %s: %s", e.Field, e.Message)
}

// idPattern validates plugin ids: lowercase kebab-case tokens.
var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var validSlots = map[string]bool{
	string(SlotDashboardTop):     true,
	string(SlotDashboardStats):   true,
	string(SlotDashboardSidebar): true,
	string(SlotDashboardMain):    true,
}

var validMenuTypes = map[string]bool{
	string(MenuMain):  true,
	string(MenuAdmin): true,
}

// requiredFields are the mandatory top-level string fields.
var requiredFields = []string{"id", "name", "version", "author", "coreVersion"}

// Validate checks a raw manifest document and returns the typed manifest,
// or the full list of defects. Only a structural parse failure
// short-circuits; every other check runs so nothing is reported
// piecemeal. Unknown fields are ignored for forward compatibility.
func Validate(doc []byte) (*Manifest, []ValidationError) {
	if !gjson.ValidBytes(doc) {
		return nil, []ValidationError{{Message: "document is not valid JSON"}}
	}

	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return nil, []ValidationError{{Message: "document must be a JSON object"}}
	}

	var errs []ValidationError
	fail := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for _, field := range requiredFields {
		v := root.Get(field)
		switch {
		case !v.Exists():
			fail(field, "required field is missing")
		case v.Type != gjson.String || v.Str == "":
			fail(field, "must be a non-empty string")
		}
	}

	id := root.Get("id").Str
	if id != "" && !idPattern.MatchString(id) {
		fail("id", "must be a kebab-case token (%q)", id)
	}

	if v := root.Get("version"); v.Type == gjson.String && v.Str != "" {
		if _, err := semver.NewVersion(v.Str); err != nil {
			fail("version", "invalid semantic version %q", v.Str)
		}
	}
	if v := root.Get("coreVersion"); v.Type == gjson.String && v.Str != "" {
		if _, err := semver.NewConstraint(v.Str); err != nil {
			fail("coreVersion", "invalid version range %q", v.Str)
		}
	}

	validateMenus(root, id, fail)
	validateWidgets(root, fail)
	validateDependencies(root, fail)
	validateStringArray(root, "permissions.required", fail)
	validateStringArray(root, "permissions.provided", fail)

	if hooks := root.Get("hooks"); hooks.Exists() && !hooks.IsObject() {
		fail("hooks", "must be an object of booleans")
	}

	if len(errs) > 0 {
		return nil, errs
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		// Type mismatches the gjson pass did not cover (e.g., order as string).
		return nil, []ValidationError{{Message: "document structure: " + err.Error()}}
	}
	return &m, nil
}

func validateMenus(root gjson.Result, id string, fail func(string, string, ...any)) {
	menus := root.Get("menus")
	if !menus.Exists() {
		return
	}
	if !menus.IsArray() {
		fail("menus", "must be an array")
		return
	}

	prefix := "/plugins/" + id + "/"
	seen := make(map[string]bool)
	menus.ForEach(func(idx, item gjson.Result) bool {
		field := fmt.Sprintf("menus[%d]", int(idx.Int()))
		if !item.IsObject() {
			fail(field, "must be an object")
			return true
		}

		mid := item.Get("id").Str
		if mid == "" {
			fail(field+".id", "required field is missing")
		} else if seen[mid] {
			fail(field+".id", "duplicate menu id %q", mid)
		} else {
			seen[mid] = true
		}

		if item.Get("label").Str == "" {
			fail(field+".label", "required field is missing")
		}

		if t := item.Get("type").Str; !validMenuTypes[t] {
			fail(field+".type", "must be one of main, admin (got %q)", t)
		}

		route := item.Get("route").Str
		if route == "" {
			fail(field+".route", "required field is missing")
		} else if id != "" && !strings.HasPrefix(route, prefix) {
			fail(field+".route", "must be prefixed by %s (got %q)", prefix, route)
		}

		if o := item.Get("order"); o.Exists() && o.Type != gjson.Number {
			fail(field+".order", "must be an integer")
		}
		return true
	})
}

func validateWidgets(root gjson.Result, fail func(string, string, ...any)) {
	widgets := root.Get("widgets")
	if !widgets.Exists() {
		return
	}
	if !widgets.IsArray() {
		fail("widgets", "must be an array")
		return
	}

	seen := make(map[string]bool)
	widgets.ForEach(func(idx, item gjson.Result) bool {
		field := fmt.Sprintf("widgets[%d]", int(idx.Int()))
		if !item.IsObject() {
			fail(field, "must be an object")
			return true
		}

		wid := item.Get("id").Str
		if wid == "" {
			fail(field+".id", "required field is missing")
		} else if seen[wid] {
			fail(field+".id", "duplicate widget id %q", wid)
		} else {
			seen[wid] = true
		}

		if item.Get("component").Str == "" {
			fail(field+".component", "required field is missing")
		}

		if slot := item.Get("slot").Str; !validSlots[slot] {
			fail(field+".slot", "unknown slot %q", slot)
		}

		if o := item.Get("order"); o.Exists() && o.Type != gjson.Number {
			fail(field+".order", "must be an integer")
		}
		return true
	})
}

func validateDependencies(root gjson.Result, fail func(string, string, ...any)) {
	deps := root.Get("dependencies")
	if !deps.Exists() {
		return
	}
	if !deps.IsObject() {
		fail("dependencies", "must be an object")
		return
	}

	validateStringArray(root, "dependencies.external", fail)

	plugins := deps.Get("plugins")
	if !plugins.Exists() {
		return
	}
	if !plugins.IsArray() {
		fail("dependencies.plugins", "must be an array of versioned refs")
		return
	}
	plugins.ForEach(func(idx, item gjson.Result) bool {
		field := fmt.Sprintf("dependencies.plugins[%d]", int(idx.Int()))
		if item.Type != gjson.String {
			fail(field, "must be a string ref like \"base@^2.0.0\"")
			return true
		}
		if _, err := ParseRef(item.Str); err != nil {
			fail(field, "%v", err)
		}
		return true
	})
}

func validateStringArray(root gjson.Result, path string, fail func(string, string, ...any)) {
	v := root.Get(path)
	if !v.Exists() {
		return
	}
	if !v.IsArray() {
		fail(path, "must be an array of strings")
		return
	}
	v.ForEach(func(idx, item gjson.Result) bool {
		if item.Type != gjson.String {
			fail(fmt.Sprintf("%s[%d]", path, int(idx.Int())), "must be a string")
		}
		return true
	})
}
