package naming

import (
	"reflect"
	"strings"
)

// Type identifies a message or consumer type by its simple name and package path.
// It is comparable and is used as the key of every type-indexed registry.
type Type struct {
	Name    string
	Package string
}

// TypeOf returns the descriptor of T. Pointer types are dereferenced.
func TypeOf[T any]() Type {
	return FromReflect(reflect.TypeOf((*T)(nil)).Elem())
}

// FromReflect builds a descriptor from a reflect.Type
func FromReflect(t reflect.Type) Type {
	if t == nil {
		return Type{}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	// Generic instantiations carry their type arguments in the name
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}

	return Type{Name: name, Package: t.PkgPath()}
}

// ParseType parses a fully qualified name such as "github.com/acme/orders/events.OrderCreated".
func ParseType(qualified string) Type {
	qualified = strings.TrimSpace(qualified)
	slash := strings.LastIndex(qualified, "/")
	tail := qualified[slash+1:]

	dot := strings.LastIndex(tail, ".")
	if dot < 0 {
		if slash < 0 {
			return Type{Name: tail}
		}
		return Type{Name: tail, Package: qualified[:slash]}
	}

	return Type{
		Name:    tail[dot+1:],
		Package: qualified[:slash+1+dot],
	}
}

// IsZero reports whether the descriptor is empty
func (t Type) IsZero() bool {
	return t.Name == ""
}

// Namespace returns the package path split into segments
func (t Type) Namespace() []string {
	return strings.FieldsFunc(t.Package, func(r rune) bool {
		return r == '/' || r == '.'
	})
}

func (t Type) String() string {
	if t.Package == "" {
		return t.Name
	}
	return t.Package + "." + t.Name
}
