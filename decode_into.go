package dbus

import (
	"fmt"
	"reflect"
)

// DecodeInto assigns the generically-boxed values produced by Decoder
// (or carried in a Message's Body) into the pointers in targets, one
// per value. It is the typed counterpart to the raw []interface{}
// values Conn hands back from a call when no destination pointers are
// supplied.
func DecodeInto(values []interface{}, targets ...interface{}) error {
	if len(values) != len(targets) {
		return fmt.Errorf("dbus: %d values for %d targets", len(values), len(targets))
	}
	for i, v := range values {
		if err := assignInto(targets[i], v); err != nil {
			return fmt.Errorf("dbus: argument %d: %w", i, err)
		}
	}
	return nil
}

func assignInto(dst interface{}, v interface{}) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("destination must be a non-nil pointer, got %T", dst)
	}
	return assignValue(rv.Elem(), v)
}

func assignValue(dst reflect.Value, v interface{}) error {
	if v == nil {
		return nil
	}
	if dst.Kind() == reflect.Interface {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	switch boxed := v.(type) {
	case []interface{}:
		switch dst.Kind() {
		case reflect.Struct:
			if dst.NumField() != len(boxed) {
				return fmt.Errorf("struct %s has %d fields, value has %d", dst.Type(), dst.NumField(), len(boxed))
			}
			for i, fv := range boxed {
				if err := assignValue(dst.Field(i), fv); err != nil {
					return err
				}
			}
			return nil
		case reflect.Slice:
			out := reflect.MakeSlice(dst.Type(), len(boxed), len(boxed))
			for i, ev := range boxed {
				if err := assignValue(out.Index(i), ev); err != nil {
					return err
				}
			}
			dst.Set(out)
			return nil
		}
	case map[interface{}]interface{}:
		if dst.Kind() != reflect.Map {
			return fmt.Errorf("cannot assign dict into %s", dst.Type())
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(boxed))
		for k, mv := range boxed {
			kv := reflect.New(dst.Type().Key()).Elem()
			if err := assignValue(kv, k); err != nil {
				return err
			}
			vv := reflect.New(dst.Type().Elem()).Elem()
			if err := assignValue(vv, mv); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		dst.Set(out)
		return nil
	case Variant:
		if dst.Type() == reflect.TypeOf(Variant{}) {
			dst.Set(reflect.ValueOf(boxed))
			return nil
		}
		return assignValue(dst, boxed.Value)
	}

	rv := reflect.ValueOf(v)
	if !rv.Type().ConvertibleTo(dst.Type()) {
		return fmt.Errorf("cannot assign %T into %s", v, dst.Type())
	}
	dst.Set(rv.Convert(dst.Type()))
	return nil
}
