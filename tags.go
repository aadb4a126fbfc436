package graphkb

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// entityMetadata holds the parsed `kb` tag information for a struct type.
type entityMetadata struct {
	// Type is the store type tag, defaulting to the struct's name.
	Type string
	// Fields maps struct field names to attribute labels.
	Fields map[string]string
}

// metaCache avoids reflecting over the same struct type on every decode.
var metaCache sync.Map

// parseTagsFromType extracts metadata from `kb` struct tags. A tag has the
// attribute label first, e.g. `kb:"name"`; the field tagged `kb:"id"` receives
// the node id. A field tagged `kb:"-,type:Threat-Actor"` overrides the type tag.
func parseTagsFromType(typ reflect.Type) (*entityMetadata, error) {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type %s is not a struct", typ.Name())
	}
	if cached, ok := metaCache.Load(typ); ok {
		return cached.(*entityMetadata), nil
	}

	meta := &entityMetadata{
		Type:   typ.Name(),
		Fields: make(map[string]string),
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("kb")
		if tag == "" {
			continue
		}

		parts := strings.Split(tag, ",")
		for _, part := range parts[1:] {
			if t, ok := strings.CutPrefix(part, "type:"); ok {
				meta.Type = t
			}
		}
		label := parts[0]
		switch label {
		case "-":
			continue
		case "":
			return nil, fmt.Errorf("field %s has an empty attribute label", field.Name)
		}
		meta.Fields[field.Name] = label
	}

	metaCache.Store(typ, meta)
	return meta, nil
}

func parseTags[T any]() (*entityMetadata, error) {
	var instance T
	return parseTagsFromType(reflect.TypeOf(instance))
}

// Decode copies the attributes of m into the struct pointed to by out,
// following its `kb` tags. Attributes without a matching field are ignored.
func Decode(m *AttributeMap, out any) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer")
	}
	meta, err := parseTagsFromType(val.Type())
	if err != nil {
		return err
	}
	return decodeInto(m, val.Elem(), meta)
}

func decodeInto(m *AttributeMap, val reflect.Value, meta *entityMetadata) error {
	for fieldName, label := range meta.Fields {
		field := val.FieldByName(fieldName)
		if !field.IsValid() || !field.CanSet() {
			continue
		}
		raw, ok := m.Get(label)
		if !ok {
			continue
		}
		if tv, ok := raw.(TypedValue); ok {
			raw = tv.Value
		}
		if err := assign(field, raw); err != nil {
			return fmt.Errorf("field %s (%s): %w", fieldName, label, err)
		}
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// assign sets field from a materialized value, converting scalars and lists.
func assign(field reflect.Value, raw any) error {
	if list, ok := raw.([]any); ok {
		if field.Kind() != reflect.Slice {
			if len(list) == 0 {
				return nil
			}
			return assign(field, list[0])
		}
		out := reflect.MakeSlice(field.Type(), len(list), len(list))
		for i, item := range list {
			if tv, ok := item.(TypedValue); ok {
				item = tv.Value
			}
			if err := assign(out.Index(i), item); err != nil {
				return err
			}
		}
		field.Set(out)
		return nil
	}
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() != reflect.Uint8 {
		out := reflect.MakeSlice(field.Type(), 1, 1)
		if err := assign(out.Index(0), raw); err != nil {
			return err
		}
		field.Set(out)
		return nil
	}

	if field.Type() == timeType {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("cannot set time from %T", raw)
		}
		t, err := parseDateTime(strings.TrimSuffix(s, "Z"))
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(t))
		return nil
	}

	rv := reflect.ValueOf(raw)
	if !rv.IsValid() {
		return nil
	}
	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(field.Type()) && rv.Kind() != reflect.String && field.Kind() != reflect.String {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	if field.Kind() == reflect.String {
		field.SetString(fmt.Sprint(raw))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", raw, field.Type())
}
