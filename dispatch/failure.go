// Package dispatch turns an outgoing message into per-device encrypted
// payloads, delivers them and classifies what the transport reports back.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/wren-im/go-wren/clock"
	"github.com/wren-im/go-wren/identity"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// QualifiedUserClients is the nested domain, then user, then client wire
// shape used by backends to report device mismatches.
type QualifiedUserClients map[string]map[string][]string

// Flatten converts the nested wire shape into a single keyed table, ordered
// deterministically, so nothing downstream walks nested maps.
func (q QualifiedUserClients) Flatten() map[identity.UserID][]identity.ClientID {
	flat := make(map[identity.UserID][]identity.ClientID)
	domains := maps.Keys(q)
	slices.Sort(domains)
	for _, domain := range domains {
		users := maps.Keys(q[domain])
		slices.Sort(users)
		for _, user := range users {
			clients := make([]identity.ClientID, 0, len(q[domain][user]))
			for _, c := range q[domain][user] {
				clients = append(clients, identity.ClientID(c))
			}
			slices.Sort(clients)
			flat[identity.NewUserID(user, domain)] = clients
		}
	}
	return flat
}

// Users returns the flattened user list in deterministic order.
func (q QualifiedUserClients) Users() []identity.UserID {
	flat := q.Flatten()
	users := maps.Keys(flat)
	slices.SortFunc(users, func(a, b identity.UserID) bool {
		return a.String() < b.String()
	})
	return users
}

// MismatchError is the transport error a backend returns when the targeted
// client set is stale.
type MismatchError struct {
	Missing   QualifiedUserClients
	Redundant QualifiedUserClients
	Deleted   QualifiedUserClients
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("dispatch: clients have changed missing=%d redundant=%d deleted=%d", len(e.Missing), len(e.Redundant), len(e.Deleted))
}

// SendFailure is the sealed failure taxonomy of a dispatch attempt.
type SendFailure interface {
	error
	isSendFailure()
}

// UnknownFailure wraps an opaque transport or crypto error. It is never
// retried automatically at this layer.
type UnknownFailure struct {
	Cause error
}

func (f *UnknownFailure) Error() string {
	return fmt.Sprintf("dispatch: send failed: %v", f.Cause)
}

func (f *UnknownFailure) Unwrap() error {
	return f.Cause
}

func (f *UnknownFailure) isSendFailure() {}

// ClientsMismatchFailure reports the per-user client adjustments needed
// before a resend. Missing clients lack a session and must be targeted,
// redundant ones no longer need targeting, deleted ones no longer exist and
// must be purged from any local device cache.
type ClientsMismatchFailure struct {
	Missing   map[identity.UserID][]identity.ClientID
	Redundant map[identity.UserID][]identity.ClientID
	Deleted   map[identity.UserID][]identity.ClientID
}

func (f *ClientsMismatchFailure) Error() string {
	return fmt.Sprintf("dispatch: clients have changed missing=%d redundant=%d deleted=%d", len(f.Missing), len(f.Redundant), len(f.Deleted))
}

func (f *ClientsMismatchFailure) isSendFailure() {}

// FromTransportError classifies a transport error. Mismatch reports become
// structured ClientsMismatchFailure values, everything else stays opaque.
func FromTransportError(err error) SendFailure {
	var mismatch *MismatchError
	if errors.As(err, &mismatch) {
		return &ClientsMismatchFailure{
			Missing:   mismatch.Missing.Flatten(),
			Redundant: mismatch.Redundant.Flatten(),
			Deleted:   mismatch.Deleted.Flatten(),
		}
	}
	return &UnknownFailure{Cause: err}
}

// SendResponse is what the transport reports for a delivered envelope. Even a
// nominally successful send can carry unconfirmed or missing recipients.
type SendResponse struct {
	Time            time.Time
	FailedToConfirm []identity.UserID
	Missing         QualifiedUserClients
}

// MLSSendResponse is the failure-reporting shape of the group-keyed path.
type MLSSendResponse struct {
	Time         time.Time
	FailedToSend []identity.UserID
}

// MessageSent is the terminal result of a successful dispatch. Non-empty
// FailedToConfirm or Missing lists mean a partial success, not an error;
// callers may use them to suppress delivery assumptions but the send is not
// retried for them.
type MessageSent struct {
	Time            time.Time
	FailedToConfirm []identity.UserID
	Missing         []identity.UserID
}

func FromSuccessResponse(resp *SendResponse, cl clock.Clock) *MessageSent {
	t := resp.Time
	if t.IsZero() {
		t = cl.Now()
	}
	failed := resp.FailedToConfirm
	if failed == nil {
		failed = []identity.UserID{}
	}
	return &MessageSent{
		Time:            t,
		FailedToConfirm: failed,
		Missing:         resp.Missing.Users(),
	}
}

func FromMLSResponse(resp *MLSSendResponse, cl clock.Clock) *MessageSent {
	t := resp.Time
	if t.IsZero() {
		t = cl.Now()
	}
	failed := resp.FailedToSend
	if failed == nil {
		failed = []identity.UserID{}
	}
	return &MessageSent{
		Time:            t,
		FailedToConfirm: failed,
		Missing:         []identity.UserID{},
	}
}
