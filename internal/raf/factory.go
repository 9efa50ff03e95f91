package raf

// Open constructs a RandomAccessFile for path according to variant —
// the single factory point, so call sites never pick a concrete
// constructor themselves.
func Open(variant Variant, path string, readOnly bool) (RandomAccessFile, error) {
	switch variant {
	case VariantReadOnly:
		return OpenFile(path, true)
	case VariantMMap:
		r, err := OpenMMap(path, readOnly)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return OpenFile(path, readOnly)
	}
}
