package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/morrisxyang/xreflect"

	oerrors "github.com/openpower/optest/errors"
)

var durationType = reflect.TypeOf(Duration(0))

// Set assigns a raw string to the field at a dotted Go field path such as
// "BMC.Username" or "Timeouts.Login", converting it to the field's type.
func Set(cfg *File, fieldPath, raw string) error {
	ft, err := fieldType(reflect.TypeOf(*cfg), fieldPath)
	if err != nil {
		return err
	}

	value, err := convert(ft, raw)
	if err != nil {
		return oerrors.Wrapf(err, oerrors.ErrInvalidInput, "invalid value for %s", fieldPath)
	}

	if err := xreflect.SetEmbedField(cfg, fieldPath, value); err != nil {
		return oerrors.Wrapf(err, oerrors.ErrInvalidInput, "failed to set %s", fieldPath)
	}
	return nil
}

// ApplyOverrides applies "Path=value" assignments in order
func ApplyOverrides(cfg *File, assignments []string) error {
	for _, a := range assignments {
		path, raw, ok := strings.Cut(a, "=")
		if !ok || path == "" {
			return oerrors.Newf(oerrors.ErrInvalidInput, "invalid override %q (expected Path=value)", a)
		}
		if err := Set(cfg, strings.TrimSpace(path), raw); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func fieldType(t reflect.Type, path string) (reflect.Type, error) {
	for _, name := range strings.Split(path, ".") {
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			return nil, oerrors.Newf(oerrors.ErrInvalidInput, "%s: %s is not a struct", path, t)
		}
		f, ok := t.FieldByName(name)
		if !ok {
			return nil, oerrors.Newf(oerrors.ErrInvalidInput, "%s: no field %s", path, name)
		}
		t = f.Type
	}
	return t, nil
}

func convert(t reflect.Type, raw string) (interface{}, error) {
	if t == durationType {
		return ParseDuration(raw)
	}

	switch t.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Int:
		return strconv.Atoi(raw)
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String {
			if raw == "" {
				return []string{}, nil
			}
			return strings.Split(raw, ","), nil
		}
	}
	return nil, fmt.Errorf("unsupported field type %s", t)
}
