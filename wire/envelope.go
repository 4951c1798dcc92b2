package wire

import "github.com/wren-im/go-wren/identity"

// A ClientPayload is the ciphertext addressed to one client.
type ClientPayload struct {
	Client  identity.ClientID
	Payload Blob
}

func (cp ClientPayload) Equal(other ClientPayload) bool {
	return cp.Client == other.Client && cp.Payload.Equal(other.Payload)
}

// A RecipientEntry groups the per-client payloads of one user.
type RecipientEntry struct {
	User     identity.UserID
	Payloads []ClientPayload
}

func (re RecipientEntry) Equal(other RecipientEntry) bool {
	if re.User != other.User || len(re.Payloads) != len(other.Payloads) {
		return false
	}
	for i := range re.Payloads {
		if !re.Payloads[i].Equal(other.Payloads[i]) {
			return false
		}
	}
	return true
}

// An Envelope is one fan-out unit handed to the transport. Blob carries the
// externally keyed ciphertext when present, it travels once for all
// recipients.
type Envelope struct {
	Sender     identity.ClientID
	Recipients []RecipientEntry
	Blob       *Blob
}

func (e *Envelope) Equal(other *Envelope) bool {
	if e.Sender != other.Sender || len(e.Recipients) != len(other.Recipients) {
		return false
	}
	if (e.Blob == nil) != (other.Blob == nil) {
		return false
	}
	if e.Blob != nil && !e.Blob.Equal(*other.Blob) {
		return false
	}
	for i := range e.Recipients {
		if !e.Recipients[i].Equal(other.Recipients[i]) {
			return false
		}
	}
	return true
}

// ClientCount returns the total number of clients addressed by this envelope.
func (e *Envelope) ClientCount() int {
	n := 0
	for _, r := range e.Recipients {
		n += len(r.Payloads)
	}
	return n
}
