// Package jsonconfig implements a small typed-accessor wrapper over a
// JSON object, adapted from perkeep's pkg/jsonconfig: cmd/hashback-server
// decodes its settings file through it. Client configurations (a
// client's config.json) are decoded with encoding/json, not through it.
//
// Unlike perkeep's server config (a graph of storage handler
// definitions wired together at runtime via file includes and
// environment expansion), hashback's configs are flat key/value
// settings, so perkeep's recursive file-include preprocessor has no
// counterpart here -- see DESIGN.md.
package jsonconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Obj is a JSON configuration map with typed, validating accessors.
// Every accessor records which key it consumed in a reserved
// "_knownkeys" entry; call Validate once every expected key has been
// read to fail loudly on anything left over, exactly as perkeep's
// serverinit does for its own config trees.
type Obj map[string]interface{}

// Load reads and parses path as a JSON object.
func Load(path string) (Obj, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obj Obj
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("jsonconfig: %s: %w", path, err)
	}
	return obj, nil
}

func (jc Obj) RequiredObject(key string) Obj { return jc.obj(key, false) }
func (jc Obj) OptionalObject(key string) Obj { return jc.obj(key, true) }

func (jc Obj) obj(key string, optional bool) Obj {
	jc.noteKnownKey(key)
	ei, ok := jc[key]
	if !ok {
		if optional {
			return make(Obj)
		}
		jc.appendError(fmt.Errorf("missing required config key %q (object)", key))
		return make(Obj)
	}
	m, ok := ei.(map[string]interface{})
	if !ok {
		jc.appendError(fmt.Errorf("expected config key %q to be an object, not %T", key, ei))
		return make(Obj)
	}
	return Obj(m)
}

func (jc Obj) RequiredString(key string) string { return jc.string(key, nil) }
func (jc Obj) OptionalString(key, def string) string { return jc.string(key, &def) }

func (jc Obj) string(key string, def *string) string {
	jc.noteKnownKey(key)
	ei, ok := jc[key]
	if !ok {
		if def != nil {
			return *def
		}
		jc.appendError(fmt.Errorf("missing required config key %q (string)", key))
		return ""
	}
	s, ok := ei.(string)
	if !ok {
		jc.appendError(fmt.Errorf("expected config key %q to be a string, not %T", key, ei))
		return ""
	}
	return s
}

func (jc Obj) RequiredBool(key string) bool { return jc.bool(key, nil) }
func (jc Obj) OptionalBool(key string, def bool) bool { return jc.bool(key, &def) }

func (jc Obj) bool(key string, def *bool) bool {
	jc.noteKnownKey(key)
	ei, ok := jc[key]
	if !ok {
		if def != nil {
			return *def
		}
		jc.appendError(fmt.Errorf("missing required config key %q (boolean)", key))
		return false
	}
	b, ok := ei.(bool)
	if !ok {
		jc.appendError(fmt.Errorf("expected config key %q to be a boolean, not %T", key, ei))
		return false
	}
	return b
}

func (jc Obj) RequiredInt(key string) int { return jc.int(key, nil) }
func (jc Obj) OptionalInt(key string, def int) int { return jc.int(key, &def) }

func (jc Obj) int(key string, def *int) int {
	jc.noteKnownKey(key)
	ei, ok := jc[key]
	if !ok {
		if def != nil {
			return *def
		}
		jc.appendError(fmt.Errorf("missing required config key %q (integer)", key))
		return 0
	}
	n, ok := ei.(float64)
	if !ok {
		jc.appendError(fmt.Errorf("expected config key %q to be a number, not %T", key, ei))
		return 0
	}
	return int(n)
}

func (jc Obj) RequiredList(key string) []string { return jc.list(key, true) }
func (jc Obj) OptionalList(key string) []string { return jc.list(key, false) }

func (jc Obj) list(key string, required bool) []string {
	jc.noteKnownKey(key)
	ei, ok := jc[key]
	if !ok {
		if required {
			jc.appendError(fmt.Errorf("missing required config key %q (list of strings)", key))
		}
		return nil
	}
	eil, ok := ei.([]interface{})
	if !ok {
		jc.appendError(fmt.Errorf("expected config key %q to be a list, not %T", key, ei))
		return nil
	}
	sl := make([]string, len(eil))
	for i, item := range eil {
		s, ok := item.(string)
		if !ok {
			jc.appendError(fmt.Errorf("expected config key %q index %d to be a string, not %T", key, i, item))
			return nil
		}
		sl[i] = s
	}
	return sl
}

func (jc Obj) noteKnownKey(key string) {
	if _, ok := jc["_knownkeys"]; !ok {
		jc["_knownkeys"] = make(map[string]bool)
	}
	jc["_knownkeys"].(map[string]bool)[key] = true
}

func (jc Obj) appendError(err error) {
	if ei, ok := jc["_errors"]; ok {
		jc["_errors"] = append(ei.([]error), err)
	} else {
		jc["_errors"] = []error{err}
	}
}

// Validate reports every key left unconsumed by an accessor call
// (aside from "_"-prefixed keys, permitted as comments) together with
// every accessor-level error accumulated so far.
func (jc Obj) Validate() error {
	known, _ := jc["_knownkeys"].(map[string]bool)
	for k := range jc {
		if known[k] || strings.HasPrefix(k, "_") {
			continue
		}
		jc.appendError(fmt.Errorf("unknown config key %q", k))
	}

	ei, ok := jc["_errors"]
	if !ok {
		return nil
	}
	errList := ei.([]error)
	if len(errList) == 1 {
		return errList[0]
	}
	strs := make([]string, 0, len(errList))
	for _, err := range errList {
		strs = append(strs, err.Error())
	}
	return fmt.Errorf("multiple config errors: %s", strings.Join(strs, ", "))
}
