package cable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Identifier names a channel and its parameters (spec §3). Two identifiers
// built from structurally equal values produce byte-identical wire strings,
// which is what the Cable client uses for subscription deduplication and
// for routing confirm_subscription/reject_subscription/message frames.
//
// EncodeIdentifier takes any struct value (or pointer to one) and serializes
// its exported fields, in declaration order, as a JSON object whose keys are
// either the field's `json` tag name or — when no tag is present — the
// snake_case form of the Go field name (see toSnakeCase). Declaration order
// is preserved rather than the alphabetical order encoding/json would use
// for a map, matching the spec's "deterministic field order" requirement.
func EncodeIdentifier(v any) (string, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", fmt.Errorf("cable: nil identifier")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return "", fmt.Errorf("cable: identifier must be a struct, got %s", rv.Kind())
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	rt := rv.Type()
	first := true
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name, omitempty, skip := fieldTag(field)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		encodedVal, err := json.Marshal(fv.Interface())
		if err != nil {
			return "", fmt.Errorf("cable: encode field %s: %w", field.Name, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		encodedKey, _ := json.Marshal(name)
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(encodedVal)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

func fieldTag(field reflect.StructField) (name string, omitempty bool, skip bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return toSnakeCase(field.Name), false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" {
		return "", false, true
	}
	name = parts[0]
	if name == "" {
		name = toSnakeCase(field.Name)
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}
