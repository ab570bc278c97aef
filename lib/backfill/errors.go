package backfill

import (
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/cockroachdb/errors"
)

var (
	// ErrInterrupted is returned when the caller cancelled the session
	ErrInterrupted = errors.New("backfill interrupted")

	// ErrPeerLost is returned when the backfiller disappeared, restarted or
	// gave up. Everything applied so far stays valid, a new session resumes
	// from there.
	ErrPeerLost = errors.New("backfiller lost")

	// ErrProtocolViolation is returned when the other side sent something the
	// protocol does not allow
	ErrProtocolViolation = errors.New("backfill protocol violation")
)

// Kind classifies the error a session ended with
type Kind int

const (
	KindNone Kind = iota
	KindInterrupted
	KindPeerLost
	KindHistoryConflict
	KindHistoryCorrupt
	KindProtocolViolation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindInterrupted:
		return "interrupted"
	case KindPeerLost:
		return "peer_lost"
	case KindHistoryConflict:
		return "history_conflict"
	case KindHistoryCorrupt:
		return "history_corrupt"
	case KindProtocolViolation:
		return "protocol_violation"
	default:
		return "internal"
	}
}

// KindOf classifies err
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.Is(err, ErrPeerLost):
		return KindPeerLost
	case errors.Is(err, history.ErrHistoryConflict):
		return KindHistoryConflict
	case errors.Is(err, history.ErrHistoryCorrupt):
		return KindHistoryCorrupt
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	default:
		return KindInternal
	}
}

// Retryable reports whether starting a new session may succeed where the
// failed one did not
func (k Kind) Retryable() bool {
	return k == KindInterrupted || k == KindPeerLost
}

// --------------------------------------------------------------------------
// Wire codes
// --------------------------------------------------------------------------

// codeOf maps an error to the code sent to the other side
func codeOf(err error) common.ErrorCode {
	switch KindOf(err) {
	case KindNone:
		return common.ErrCNone
	case KindInterrupted:
		return common.ErrCInterrupted
	case KindHistoryConflict:
		return common.ErrCConflict
	case KindHistoryCorrupt:
		return common.ErrCCorrupt
	case KindProtocolViolation:
		return common.ErrCProtocol
	default:
		return common.ErrCInternal
	}
}

// remoteError converts an Error or BackfillCancel message of the backfiller
// into the error the session ends with
func remoteError(msg *common.Message) error {
	switch msg.Code {
	case common.ErrCConflict:
		return errors.Wrapf(history.ErrHistoryConflict, "backfiller rejected history: %s", msg.Err)
	case common.ErrCCorrupt:
		return errors.Wrapf(history.ErrHistoryCorrupt, "backfiller reported corrupt history: %s", msg.Err)
	case common.ErrCProtocol:
		return errors.Wrapf(ErrProtocolViolation, "backfiller reported: %s", msg.Err)
	default:
		return errors.Wrapf(ErrPeerLost, "backfiller gave up (%s): %s", msg.Code, msg.Err)
	}
}

// violationf wraps a formatted message as ErrProtocolViolation
func violationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}
