// Package rowio defines the narrow external-collaborator interfaces
// the coordinator treats as opaque: row serialisation and table-space
// position allocation are out of scope for the cache itself, which
// only ever sees byte buffers with a leading size prefix. A demo
// PersistentStore is provided for tests.
package rowio

// RowInput is handed to a PersistentStore to materialise a cached
// object from bytes read at a position.
type RowInput interface {
	Bytes() []byte
}

// RowOutput is produced by a PersistentStore to serialise a cached
// object back into bytes for writing.
type RowOutput interface {
	Bytes() []byte
}

// bufRow is the minimal RowInput/RowOutput implementation: a plain
// byte-slice wrapper.
type bufRow struct{ data []byte }

func NewRowInput(data []byte) RowInput   { return bufRow{data} }
func NewRowOutput(data []byte) RowOutput { return bufRow{data} }
func (b bufRow) Bytes() []byte           { return b.data }

// PersistentStore materialises row bytes into application objects and
// back. The coordinator never inspects the payload itself.
type PersistentStore interface {
	Get(in RowInput) (payload []byte, size uint32, err error)
	Set(payload []byte) (RowOutput, error)
}

// TableSpaceManager allocates and releases positions for rows of a
// given size, in whatever units the coordinator's free-space manager
// uses.
type TableSpaceManager interface {
	GetFilePosition(size uint32, asBlock bool) (uint64, error)
	Release(pos uint64, size uint32) error
}
