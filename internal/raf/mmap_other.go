//go:build !unix

package raf

// OpenMMap is unavailable on non-unix platforms; callers should fall
// back to VariantBuffered.
func OpenMMap(path string, readOnly bool) (*FileRAF, error) {
	return nil, ErrUnsupported
}
