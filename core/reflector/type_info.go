// Package reflector derives stable names for Go types.
//
// Names are computed from the reflect.Type on every call. Nothing is cached,
// so there is no package state to initialise or tear down.
package reflector

import (
	"reflect"
)

// TypeInfo holds naming metadata about a reflected type.
type TypeInfo struct {
	Name  string       // Fully qualified name: "pkg/path.TypeName"
	Short string       // Bare type name: "TypeName"
	Type  reflect.Type // The underlying reflect.Type, pointers unwrapped
}

// TypeInfoOf returns TypeInfo for the dynamic type of x.
func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

// TypeInfoFor returns TypeInfo for type parameter T.
func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeFor[T]())
}

// TypeInfoForType returns TypeInfo for the given reflect.Type.
// For pointer types, returns info about the element type.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	short := t.Name()
	if short == "" {
		// unnamed types such as []byte or struct{}
		short = t.String()
	}

	name := short
	if pkg := t.PkgPath(); pkg != "" {
		name = pkg + "." + short
	}

	return TypeInfo{
		Name:  name,
		Short: short,
		Type:  t,
	}
}
