// Package wire defines the per-device encrypted envelope and the codec which
// decides between inline and externally keyed content.
package wire

import (
	"bytes"
	"encoding/hex"

	"github.com/wren-im/go-wren/crypto"
)

// A Blob wraps an encrypted byte buffer. Blobs are compared and deduplicated
// across retries, so equality and hashing are always content-based, never
// reference-based.
type Blob struct {
	data []byte
}

func NewBlob(b []byte) Blob {
	data := make([]byte, len(b))
	copy(data, b)
	return Blob{data: data}
}

func (b Blob) Bytes() []byte {
	return b.data
}

func (b Blob) Len() int {
	return len(b.data)
}

func (b Blob) Equal(other Blob) bool {
	return bytes.Equal(b.data, other.data)
}

func (b Blob) Digest() []byte {
	return crypto.Digest(b.data)
}

func (b Blob) String() string {
	return hex.EncodeToString(crypto.Digest(b.data)[:8])
}
