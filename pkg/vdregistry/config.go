// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vdregistry

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/mitchellh/reflectwalk"
	"github.com/zclconf/go-cty/cty"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// ctyType maps a backend's declared ConfigKeyType onto a cty.Type so
// property values can be checked against the declared schema.
func ctyType(t vdbackend.ConfigKeyType) cty.Type {
	switch t {
	case vdbackend.ConfigInt:
		return cty.Number
	case vdbackend.ConfigBool:
		return cty.Bool
	default:
		return cty.String
	}
}

// ValidateProperties checks that every key in props the backend declared
// converts cleanly to its declared cty.Type, and that isCreate callers
// aren't trying to change a CreateOnly key on an already-created Medium.
// Keys not declared by the backend are rejected unless they carry the
// "Special/" prefix or belong to a registered filter.
func ValidateProperties(b vdbackend.Backend, props map[string]string, isCreate bool, filterKeyPrefixes []string) error {
	declared := make(map[string]vdbackend.ConfigKeySpec, len(b.ConfigKeys()))
	for _, k := range b.ConfigKeys() {
		declared[k.Name] = k
	}

	for key, val := range props {
		if hasAnyPrefix(key, "Special/") || hasAnyPrefix(key, filterKeyPrefixes...) {
			continue
		}
		spec, ok := declared[key]
		if !ok {
			return fmt.Errorf("%w: backend %q does not declare config key %q", vderr.ErrNotSupported, b.Name(), key)
		}
		if spec.CreateOnly && !isCreate {
			return fmt.Errorf("%w: config key %q is create-only on backend %q", vderr.ErrInvalidObjectState, key, b.Name())
		}
		t := ctyType(spec.Type)
		if _, err := gocty(val, t); err != nil {
			return fmt.Errorf("%w: config key %q value %q does not fit declared type: %v", vderr.ErrNotSupported, key, val, err)
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// gocty converts a raw string property value into the cty.Value its
// declared type implies.
func gocty(val string, t cty.Type) (cty.Value, error) {
	switch t {
	case cty.Number:
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cty.NilVal, err
		}
		return cty.NumberFloatVal(n), nil
	case cty.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return cty.NilVal, err
		}
		return cty.BoolVal(b), nil
	default:
		return cty.StringVal(val), nil
	}
}

// Decode flattens a Medium's string-keyed Properties map into a
// backend-specific config struct via mapstructure.
func Decode(props map[string]string, out interface{}) error {
	generic := make(map[string]interface{}, len(props))
	for k, v := range props {
		generic[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "vdprop",
	})
	if err != nil {
		return fmt.Errorf("config decoder setup failed: %w", err)
	}
	if err := dec.Decode(generic); err != nil {
		return fmt.Errorf("config decode failed: %w", err)
	}
	return nil
}

// ExpandSpecialKeys walks a decoded config struct with reflectwalk and
// resolves any string field whose value is prefixed "Special/" against the
// supplied resolver. Most config structs need no expansion at all; this
// only matters for backends that accept an indirection like
// "Special/EnvPassword" standing in for a runtime-resolved secret.
func ExpandSpecialKeys(out interface{}, resolve func(key string) (string, bool)) error {
	w := &specialKeyWalker{resolve: resolve}
	return reflectwalk.Walk(out, w)
}

type specialKeyWalker struct {
	resolve func(string) (string, bool)
}

// Primitive satisfies reflectwalk.PrimitiveWalker; string fields carrying
// the "Special/" prefix are resolved in place.
func (w *specialKeyWalker) Primitive(v reflect.Value) error {
	if !v.CanSet() || v.Kind() != reflect.String {
		return nil
	}
	s := v.String()
	if !hasAnyPrefix(s, "Special/") {
		return nil
	}
	if resolved, ok := w.resolve(s); ok {
		v.SetString(resolved)
	}
	return nil
}

var _ reflectwalk.PrimitiveWalker = (*specialKeyWalker)(nil)
