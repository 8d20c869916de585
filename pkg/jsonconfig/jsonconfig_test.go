package jsonconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAccessorsAndDefaults(t *testing.T) {
	obj := Obj{
		"name":  "client-a",
		"port":  float64(4649),
		"flags": []interface{}{"a", "b"},
		"nested": map[string]interface{}{
			"enabled": true,
		},
	}

	if got := obj.RequiredString("name"); got != "client-a" {
		t.Fatalf("RequiredString(name) = %q", got)
	}
	if got := obj.OptionalString("missing", "default"); got != "default" {
		t.Fatalf("OptionalString(missing) = %q, want default", got)
	}
	if got := obj.RequiredInt("port"); got != 4649 {
		t.Fatalf("RequiredInt(port) = %d", got)
	}
	if got := obj.OptionalInt("missing-port", 128); got != 128 {
		t.Fatalf("OptionalInt(missing-port) = %d, want 128", got)
	}
	if got := obj.RequiredList("flags"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("RequiredList(flags) = %v", got)
	}
	nested := obj.RequiredObject("nested")
	if !nested.RequiredBool("enabled") {
		t.Fatalf("nested.enabled should be true")
	}

	if err := obj.Validate(); err != nil {
		t.Fatalf("Validate() with every key consumed: %v", err)
	}
}

func TestValidateReportsUnknownKeys(t *testing.T) {
	obj := Obj{"used": "value", "typo": "value", "_comment": "ignored"}
	_ = obj.RequiredString("used")

	err := obj.Validate()
	if err == nil {
		t.Fatalf("expected Validate to report the unconsumed %q key", "typo")
	}
	if !strings.Contains(err.Error(), "typo") {
		t.Fatalf("error %q does not mention the unknown key", err.Error())
	}
}

func TestValidateReportsMissingRequiredKey(t *testing.T) {
	obj := Obj{}
	_ = obj.RequiredString("name")

	err := obj.Validate()
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Fatalf("Validate() = %v, want an error naming the missing %q key", err, "name")
	}
}

func TestValidateReportsWrongType(t *testing.T) {
	obj := Obj{"port": "not-a-number"}
	_ = obj.RequiredInt("port")

	err := obj.Validate()
	if err == nil || !strings.Contains(err.Error(), "port") {
		t.Fatalf("Validate() = %v, want a type-mismatch error for %q", err, "port")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"database_path": "/var/backups", "port": 4649}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	obj, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := obj.RequiredString("database_path"); got != "/var/backups" {
		t.Fatalf("database_path = %q", got)
	}
	if got := obj.RequiredInt("port"); got != 4649 {
		t.Fatalf("port = %d", got)
	}
	if err := obj.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected an error loading a nonexistent settings file")
	}
}
