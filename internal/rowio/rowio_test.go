package rowio

import "testing"

func TestBinaryRowStore_RoundTrip(t *testing.T) {
	row := []any{int64(42), "hello", 3.5, true, nil}
	buf := MarshalRow(row, nil)

	var store BinaryRowStore
	payload, size, err := store.Get(NewRowInput(buf))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if size != uint32(len(buf)) {
		t.Fatalf("expected size %d, got %d", len(buf), size)
	}

	decoded, err := UnmarshalRow(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != len(row) {
		t.Fatalf("expected %d columns, got %d", len(row), len(decoded))
	}
	if decoded[0].(int64) != 42 || decoded[1].(string) != "hello" || decoded[2].(float64) != 3.5 || decoded[3].(bool) != true || decoded[4] != nil {
		t.Fatalf("round trip mismatch: %v", decoded)
	}

	out, err := store.Set(buf)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(out.Bytes()) != len(buf) {
		t.Fatalf("set output length mismatch")
	}
}

func TestUnmarshalRow_TruncatedRejected(t *testing.T) {
	if _, err := UnmarshalRow([]byte{0x01}); err == nil {
		t.Fatalf("expected error on truncated row header")
	}
}
