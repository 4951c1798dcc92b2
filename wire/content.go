package wire

import "github.com/wren-im/go-wren/ids"

const AlgorithmChaCha20Poly1305 = "CHACHA20POLY1305"

// Content is the sealed union of the two wire-content shapes. A Readable
// travels inline and is re-encrypted per device. An External carries only the
// symmetric key and hash per device, the ciphertext travels once on the
// envelope blob.
type Content interface {
	MsgID() ids.ID
	isContent()
}

type Readable struct {
	MessageID ids.ID
	Body      []byte
}

func (r *Readable) MsgID() ids.ID { return r.MessageID }
func (r *Readable) isContent()    {}

type External struct {
	MessageID ids.ID
	OtrKey    []byte
	Sha256    []byte
	Algorithm string
}

func (e *External) MsgID() ids.ID { return e.MessageID }
func (e *External) isContent()    {}
