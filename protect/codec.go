package protect

import (
	"encoding/binary"
	"fmt"
)

// Codec converts a protected value to and from its plaintext bytes. Name is
// the type tag a Value carries alongside its ciphertext.
type Codec[T any] interface {
	Name() string
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Bytes stores raw byte slices. Decode aliases the plaintext buffer, so a
// closed Secret also clears what Value returned.
var Bytes Codec[[]byte] = bytesCodec{}

// Int64 stores integers as 8 big-endian bytes.
var Int64 Codec[int64] = int64Codec{}

type bytesCodec struct{}

func (bytesCodec) Name() string { return "bytes" }

func (bytesCodec) Encode(v []byte) ([]byte, error) {
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (bytesCodec) Decode(b []byte) ([]byte, error) {
	return b, nil
}

type int64Codec struct{}

func (int64Codec) Name() string { return "int64" }

func (int64Codec) Encode(v int64) ([]byte, error) {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(v))
	return out, nil
}

func (int64Codec) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("int64 payload has %d bytes, want 8", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
