package dispatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wren-im/go-wren/clock"
	"github.com/wren-im/go-wren/identity"
)

func TestFromTransportErrorUnknown(t *testing.T) {
	require := require.New(t)

	cause := errors.New("connection reset")
	failure := FromTransportError(cause)

	unknown, ok := failure.(*UnknownFailure)
	require.True(ok)
	require.Equal(cause, unknown.Cause)
	require.ErrorIs(failure, cause)
}

func TestFromTransportErrorMismatch(t *testing.T) {
	require := require.New(t)

	mismatch := &MismatchError{
		Missing: QualifiedUserClients{
			"example.com": {"alice": {"c2", "c1"}},
		},
		Redundant: QualifiedUserClients{
			"example.com": {"bob": {"c3"}},
		},
		Deleted: QualifiedUserClients{
			"other.example.com": {"carol": {"c4"}},
		},
	}
	failure := FromTransportError(fmt.Errorf("send failed: %w", mismatch))

	changed, ok := failure.(*ClientsMismatchFailure)
	require.True(ok)

	alice := identity.NewUserID("alice", "example.com")
	require.Equal([]identity.ClientID{"c1", "c2"}, changed.Missing[alice])
	require.Equal([]identity.ClientID{"c3"}, changed.Redundant[identity.NewUserID("bob", "example.com")])
	require.Equal([]identity.ClientID{"c4"}, changed.Deleted[identity.NewUserID("carol", "other.example.com")])
}

func TestQualifiedUserClientsFlatten(t *testing.T) {
	require := require.New(t)

	q := QualifiedUserClients{
		"beta.example.com":  {"bob": {"c3"}},
		"alpha.example.com": {"alice": {"c1"}, "amy": {"c2"}},
	}

	flat := q.Flatten()
	require.Len(flat, 3)
	require.Equal([]identity.ClientID{"c1"}, flat[identity.NewUserID("alice", "alpha.example.com")])

	users := q.Users()
	require.Equal([]identity.UserID{
		identity.NewUserID("alice", "alpha.example.com"),
		identity.NewUserID("amy", "alpha.example.com"),
		identity.NewUserID("bob", "beta.example.com"),
	}, users)
}

func TestFromSuccessResponse(t *testing.T) {
	require := require.New(t)

	cl := clock.NewSystemClock()
	sent := FromSuccessResponse(&SendResponse{}, cl)
	require.False(sent.Time.IsZero())
	require.Empty(sent.FailedToConfirm)
	require.Empty(sent.Missing)

	when := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	alice := identity.NewUserID("alice", "example.com")
	sent = FromSuccessResponse(&SendResponse{
		Time:            when,
		FailedToConfirm: []identity.UserID{alice},
		Missing: QualifiedUserClients{
			"example.com": {"bob": {"c3"}},
		},
	}, cl)
	require.Equal(when, sent.Time)
	require.Equal([]identity.UserID{alice}, sent.FailedToConfirm)
	require.Equal([]identity.UserID{identity.NewUserID("bob", "example.com")}, sent.Missing)
}

func TestFromMLSResponse(t *testing.T) {
	require := require.New(t)

	cl := clock.NewSystemClock()
	sent := FromMLSResponse(&MLSSendResponse{}, cl)
	require.Empty(sent.FailedToConfirm)
	require.Empty(sent.Missing)

	alice := identity.NewUserID("alice", "example.com")
	sent = FromMLSResponse(&MLSSendResponse{FailedToSend: []identity.UserID{alice}}, cl)
	require.Equal([]identity.UserID{alice}, sent.FailedToConfirm)
}
