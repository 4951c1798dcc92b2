package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/crypto"
	"github.com/wren-im/go-wren/ids"
)

type Mode int

const (
	ModeReadable Mode = iota
	ModeExternal
)

const (
	tagReadable = 0x01
	tagExternal = 0x02
)

// Codec encodes wire content deterministically, so that retries with an
// unchanged recipient set produce bit-identical ciphertext. It performs no
// I/O.
type Codec struct {
	ceiling int
}

func NewCodec(c *config.Config) *Codec {
	return &Codec{ceiling: c.ExternalContentCeiling}
}

// Mode decides between inline and externally keyed content. The transport
// cost of a readable message scales with device count times payload size;
// past the ceiling the content must travel once, externally keyed, so each
// device payload stays small and constant-size.
func (c *Codec) Mode(deviceCount, contentSize int) Mode {
	if deviceCount*contentSize > c.ceiling {
		return ModeExternal
	}
	return ModeReadable
}

// EncryptExternal encrypts body once with the given symmetric key and returns
// the shared blob together with the per-device instructions. Deterministic
// given the same key and body.
func (c *Codec) EncryptExternal(messageID ids.ID, body, key []byte) (Blob, *External, error) {
	enc, err := crypto.EncryptWithKey(key, body, nil)
	if err != nil {
		return Blob{}, nil, fmt.Errorf("wire: error encrypting external content: %w", err)
	}
	blob := NewBlob(enc)
	return blob, &External{
		MessageID: messageID,
		OtrKey:    key,
		Sha256:    blob.Digest(),
		Algorithm: AlgorithmChaCha20Poly1305,
	}, nil
}

// DecryptExternal recovers the content of an externally keyed blob, checking
// the hash carried by the instructions first.
func (c *Codec) DecryptExternal(blob Blob, ext *External) ([]byte, error) {
	if !bytes.Equal(blob.Digest(), ext.Sha256) {
		return nil, errors.New("wire: external content digest mismatch")
	}
	body, err := crypto.DecryptWithKey(ext.OtrKey, blob.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("wire: error decrypting external content: %w", err)
	}
	return body, nil
}

func (c *Codec) Encode(content Content) ([]byte, error) {
	var b bytes.Buffer
	switch t := content.(type) {
	case *Readable:
		b.WriteByte(tagReadable)
		id := t.MessageID
		b.Write(id[:])
		b.Write(t.Body)
	case *External:
		b.WriteByte(tagExternal)
		id := t.MessageID
		b.Write(id[:])
		if err := writeChunk(&b, t.OtrKey); err != nil {
			return nil, err
		}
		if err := writeChunk(&b, t.Sha256); err != nil {
			return nil, err
		}
		if err := writeChunk(&b, []byte(t.Algorithm)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wire: unrecognized content type %T", content)
	}
	return b.Bytes(), nil
}

func (c *Codec) Decode(b []byte) (Content, error) {
	if len(b) < 17 {
		return nil, errors.New("wire: content too short")
	}
	messageID := ids.IDFromBytes(b[1:17])
	rest := b[17:]
	switch b[0] {
	case tagReadable:
		body := make([]byte, len(rest))
		copy(body, rest)
		return &Readable{MessageID: messageID, Body: body}, nil
	case tagExternal:
		key, rest, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		hash, rest, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		alg, rest, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, errors.New("wire: trailing bytes after external content")
		}
		return &External{
			MessageID: messageID,
			OtrKey:    key,
			Sha256:    hash,
			Algorithm: string(alg),
		}, nil
	default:
		return nil, fmt.Errorf("wire: unrecognized content tag %d", b[0])
	}
}

func writeChunk(b *bytes.Buffer, chunk []byte) error {
	if len(chunk) > 255 {
		return fmt.Errorf("wire: chunk too long, got %d bytes", len(chunk))
	}
	b.WriteByte(byte(len(chunk)))
	b.Write(chunk)
	return nil
}

func readChunk(b []byte) ([]byte, []byte, error) {
	if len(b) < 1 {
		return nil, nil, errors.New("wire: content too short")
	}
	l := int(b[0])
	if len(b) < 1+l {
		return nil, nil, errors.New("wire: content too short")
	}
	chunk := make([]byte, l)
	copy(chunk, b[1:1+l])
	return chunk, b[1+l:], nil
}
