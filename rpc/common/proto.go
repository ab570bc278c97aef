package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Addressing
// --------------------------------------------------------------------------

// PeerID identifies a node of the cluster
type PeerID string

// NilPeer is the peer id of "no peer"
const NilPeer PeerID = ""

// MailboxID identifies a mailbox on a peer
type MailboxID uint64

const (
	// BackfillerMailboxID is the well-known mailbox every node serves
	// backfill requests on
	BackfillerMailboxID MailboxID = 1

	// FirstDynamicMailboxID is the first id handed out for session mailboxes
	FirstDynamicMailboxID MailboxID = 1024
)

// Address is a mailbox on a peer
type Address struct {
	Peer    PeerID    `json:"peer"`
	Mailbox MailboxID `json:"mailbox"`
}

// IsNil reports whether the address points nowhere
func (a Address) IsNil() bool {
	return a.Peer == NilPeer
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.Peer, a.Mailbox)
}

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the unit exchanged between mailboxes.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Session uuid.UUID `json:"session"`         // Backfill session the message belongs to
	Reply   Address   `json:"reply,omitempty"` // Used for: BackfillRequest, BackfillStart (mailbox of the sender)

	// Negotiation
	Region     region.Region       `json:"region,omitempty"`     // Used for: BackfillRequest
	Metainfo   history.Metainfo    `json:"metainfo,omitempty"`   // Used for: BackfillRequest (requester), BackfillStart (backfiller)
	Branches   []history.Branch    `json:"branches,omitempty"`   // Used for: BackfillRequest, BackfillStart (history closure of Metainfo)
	Window     uint32              `json:"window,omitempty"`     // Used for: BackfillRequest (initial credits)
	Directives []history.Directive `json:"directives,omitempty"` // Used for: BackfillStart

	// Streaming
	Directive uint32       `json:"directive,omitempty"` // Used for: BackfillChunk (index into Directives)
	Seq       uint64       `json:"seq,omitempty"`       // Used for: BackfillChunk (per session, starting at 0)
	Last      bool         `json:"last,omitempty"`      // Used for: BackfillChunk (last chunk of the directive)
	Chunk     *store.Chunk `json:"chunk,omitempty"`     // Used for: BackfillChunk
	Credits   uint32       `json:"credits,omitempty"`   // Used for: BackfillAck

	// Error fields
	Code ErrorCode `json:"code,omitempty"` // Used for: Error, BackfillCancel
	Err  string    `json:"err,omitempty"`  // Human readable reason
}

func (m *Message) String() string {
	switch m.MsgType {
	case MsgTBackfillChunk:
		return fmt.Sprintf("%s(session=%s directive=%d seq=%d last=%t)", m.MsgType, m.Session, m.Directive, m.Seq, m.Last)
	case MsgTBackfillAck:
		return fmt.Sprintf("%s(session=%s credits=%d)", m.MsgType, m.Session, m.Credits)
	case MsgTError, MsgTBackfillCancel:
		return fmt.Sprintf("%s(session=%s code=%s err=%q)", m.MsgType, m.Session, m.Code, m.Err)
	default:
		return fmt.Sprintf("%s(session=%s)", m.MsgType, m.Session)
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewBackfillRequest creates the request a backfillee sends to the
// backfiller's well-known mailbox
func NewBackfillRequest(session uuid.UUID, reply Address, r region.Region, meta history.Metainfo, branches []history.Branch, window uint32) *Message {
	return &Message{
		MsgType:  MsgTBackfillRequest,
		Session:  session,
		Reply:    reply,
		Region:   r,
		Metainfo: meta,
		Branches: branches,
		Window:   window,
	}
}

// NewBackfillStart creates the backfiller's answer to a request
func NewBackfillStart(session uuid.UUID, reply Address, directives []history.Directive, meta history.Metainfo, branches []history.Branch) *Message {
	return &Message{
		MsgType:    MsgTBackfillStart,
		Session:    session,
		Reply:      reply,
		Directives: directives,
		Metainfo:   meta,
		Branches:   branches,
	}
}

// NewBackfillChunk creates a chunk message
func NewBackfillChunk(session uuid.UUID, directive uint32, seq uint64, last bool, chunk store.Chunk) *Message {
	return &Message{
		MsgType:   MsgTBackfillChunk,
		Session:   session,
		Directive: directive,
		Seq:       seq,
		Last:      last,
		Chunk:     &chunk,
	}
}

// NewBackfillAck returns credits to the backfiller
func NewBackfillAck(session uuid.UUID, credits uint32) *Message {
	return &Message{
		MsgType: MsgTBackfillAck,
		Session: session,
		Credits: credits,
	}
}

// NewBackfillDone signals that all directives were streamed
func NewBackfillDone(session uuid.UUID) *Message {
	return &Message{
		MsgType: MsgTBackfillDone,
		Session: session,
	}
}

// NewBackfillCancel tells the other side to stop the session
func NewBackfillCancel(session uuid.UUID, code ErrorCode, reason string) *Message {
	return &Message{
		MsgType: MsgTBackfillCancel,
		Session: session,
		Code:    code,
		Err:     reason,
	}
}

// NewErrorMessage creates an error message for a session
func NewErrorMessage(session uuid.UUID, code ErrorCode, err error) *Message {
	msg := &Message{
		MsgType: MsgTError,
		Session: session,
		Code:    code,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// --------------------------------------------------------------------------
// Message Types
// --------------------------------------------------------------------------

// MessageType is the type of message
type MessageType uint8

const (
	MsgTUnknown MessageType = iota
	MsgTError               // The sender rejected or aborted the session

	// Backfill protocol

	MsgTBackfillRequest // Backfillee -> backfiller: start a session
	MsgTBackfillStart   // Backfiller -> backfillee: directives and backfiller history
	MsgTBackfillChunk   // Backfiller -> backfillee: one chunk, consumes one credit
	MsgTBackfillAck     // Backfillee -> backfiller: returns credits
	MsgTBackfillDone    // Backfiller -> backfillee: all chunks sent
	MsgTBackfillCancel  // Either side: stop the session
)

var messageTypeNames = map[MessageType]string{
	MsgTUnknown:         "unknown",
	MsgTError:           "error",
	MsgTBackfillRequest: "backfillRequest",
	MsgTBackfillStart:   "backfillStart",
	MsgTBackfillChunk:   "backfillChunk",
	MsgTBackfillAck:     "backfillAck",
	MsgTBackfillDone:    "backfillDone",
	MsgTBackfillCancel:  "backfillCancel",
}

// String returns the string representation of the message type
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for mt, name := range messageTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// ErrorCode classifies the reason carried by Error and BackfillCancel messages
type ErrorCode uint8

const (
	ErrCNone        ErrorCode = iota
	ErrCInternal              // Unexpected failure on the sender (store errors, shutdown)
	ErrCProtocol              // The receiver violated the protocol
	ErrCConflict              // Branch histories conflict
	ErrCCorrupt               // The sender's branch history is corrupt
	ErrCInterrupted           // The sender's caller gave up
	ErrCShutdown              // The sender is shutting down
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCNone:
		return "none"
	case ErrCInternal:
		return "internal"
	case ErrCProtocol:
		return "protocol"
	case ErrCConflict:
		return "conflict"
	case ErrCCorrupt:
		return "corrupt"
	case ErrCInterrupted:
		return "interrupted"
	case ErrCShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}
