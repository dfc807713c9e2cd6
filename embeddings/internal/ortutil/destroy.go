// Package ortutil holds cleanup helpers shared by the embedders.
package ortutil

import (
	"errors"
	"reflect"
)

// Destroyer is implemented by ort tensors, sessions and outputs.
type Destroyer interface {
	Destroy() error
}

// DestroyAll destroys each resource in order and joins the errors. Nil
// resources, including typed nil pointers, are skipped.
func DestroyAll(resources ...Destroyer) error {
	var err error
	for _, resource := range resources {
		if isNil(resource) {
			continue
		}
		err = errors.Join(err, resource.Destroy())
	}
	return err
}

// DestroySlice is DestroyAll over a typed slice, such as the outputs of
// Session.Run.
func DestroySlice[T Destroyer](resources []T) error {
	all := make([]Destroyer, len(resources))
	for i, resource := range resources {
		all[i] = resource
	}
	return DestroyAll(all...)
}

func isNil(resource Destroyer) bool {
	if resource == nil {
		return true
	}
	value := reflect.ValueOf(resource)
	switch value.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return value.IsNil()
	default:
		return false
	}
}
