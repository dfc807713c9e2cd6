//go:build !windows

package ort

// ORTCHAR_T is char on unix; paths are passed as UTF-8.
func newORTString(s string) (ortString, error) {
	if err := checkCString("path", s); err != nil {
		return ortString{}, err
	}
	backing, ptr := GoToCstring(s)
	return ortString{ptr: ptr, backing: backing}, nil
}
