package serializer

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasReply      uint16 = 1 << 0
	hasRegion     uint16 = 1 << 1
	hasMetainfo   uint16 = 1 << 2
	hasBranches   uint16 = 1 << 3
	hasWindow     uint16 = 1 << 4
	hasDirectives uint16 = 1 << 5
	hasDirective  uint16 = 1 << 6
	hasSeq        uint16 = 1 << 7
	hasLast       uint16 = 1 << 8
	hasChunk      uint16 = 1 << 9
	hasCredits    uint16 = 1 << 10
	hasCode       uint16 = 1 << 11
	hasErr        uint16 = 1 << 12

	knownFlags = hasErr<<1 - 1
)

// headerSize is MsgType (1) + flags (2) + session (16)
const headerSize = 1 + 2 + 16

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	flags := b.flags(msg)

	w := codec.NewWriter(b.sizeHint(msg))
	w.Uint8(uint8(msg.MsgType))
	w.Uint8(uint8(flags >> 8))
	w.Uint8(uint8(flags))
	w.Raw(msg.Session[:])

	if flags&hasReply != 0 {
		w.Str(string(msg.Reply.Peer))
		w.Uint64(uint64(msg.Reply.Mailbox))
	}
	if flags&hasRegion != 0 {
		msg.Region.EncodeTo(w)
	}
	if flags&hasMetainfo != 0 {
		history.EncodeMetainfo(w, msg.Metainfo)
	}
	if flags&hasBranches != 0 {
		w.Uint32(uint32(len(msg.Branches)))
		for _, br := range msg.Branches {
			br.EncodeTo(w)
		}
	}
	if flags&hasWindow != 0 {
		w.Uint32(msg.Window)
	}
	if flags&hasDirectives != 0 {
		w.Uint32(uint32(len(msg.Directives)))
		for _, d := range msg.Directives {
			history.EncodeDirective(w, d)
		}
	}
	if flags&hasDirective != 0 {
		w.Uint32(msg.Directive)
	}
	if flags&hasSeq != 0 {
		w.Uint64(msg.Seq)
	}
	// hasLast carries its value in the flag itself
	if flags&hasChunk != 0 {
		store.EncodeChunk(w, *msg.Chunk)
	}
	if flags&hasCredits != 0 {
		w.Uint32(msg.Credits)
	}
	if flags&hasCode != 0 {
		w.Uint8(uint8(msg.Code))
	}
	if flags&hasErr != 0 {
		w.Str(msg.Err)
	}

	return w.Bytes(), nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags + session)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	r := codec.NewReader(data)
	*msg = common.Message{MsgType: common.MessageType(r.Uint8())}
	flags := uint16(r.Uint8())<<8 | uint16(r.Uint8())
	if flags&^knownFlags != 0 {
		return fmt.Errorf("unknown message flags %#x", flags&^knownFlags)
	}
	copy(msg.Session[:], r.Raw(16))

	if flags&hasReply != 0 {
		msg.Reply.Peer = common.PeerID(r.Str())
		msg.Reply.Mailbox = common.MailboxID(r.Uint64())
	}
	if flags&hasRegion != 0 {
		msg.Region = region.DecodeRegion(r)
	}
	if flags&hasMetainfo != 0 {
		msg.Metainfo = history.DecodeMetainfo(r)
	}
	if flags&hasBranches != 0 {
		// id (16) + empty region (4) + empty origin (4) + initial + latest
		n := r.Count(16 + 4 + 4 + 8 + 8)
		msg.Branches = make([]history.Branch, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			msg.Branches = append(msg.Branches, history.DecodeBranch(r))
		}
	}
	if flags&hasWindow != 0 {
		msg.Window = r.Uint32()
	}
	if flags&hasDirectives != 0 {
		// range (8) + mode (1) + since (8) + two versions (48)
		n := r.Count(8 + 1 + 8 + 24 + 24)
		msg.Directives = make([]history.Directive, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			msg.Directives = append(msg.Directives, history.DecodeDirective(r))
		}
	}
	if flags&hasDirective != 0 {
		msg.Directive = r.Uint32()
	}
	if flags&hasSeq != 0 {
		msg.Seq = r.Uint64()
	}
	msg.Last = flags&hasLast != 0
	if flags&hasChunk != 0 {
		c := store.DecodeChunk(r)
		msg.Chunk = &c
	}
	if flags&hasCredits != 0 {
		msg.Credits = r.Uint32()
	}
	if flags&hasCode != 0 {
		msg.Code = common.ErrorCode(r.Uint8())
	}
	if flags&hasErr != 0 {
		msg.Err = r.Str()
	}

	if r.Err() != nil {
		return fmt.Errorf("failed to decode %s message: %w", msg.MsgType, r.Err())
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after %s message", r.Remaining(), msg.MsgType)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// flags computes the presence flags of a message
func (b binarySerializerImpl) flags(msg common.Message) uint16 {
	var flags uint16
	if !msg.Reply.IsNil() || msg.Reply.Mailbox != 0 {
		flags |= hasReply
	}
	if !msg.Region.IsEmpty() {
		flags |= hasRegion
	}
	if msg.Metainfo.Len() > 0 {
		flags |= hasMetainfo
	}
	if len(msg.Branches) > 0 {
		flags |= hasBranches
	}
	if msg.Window > 0 {
		flags |= hasWindow
	}
	if len(msg.Directives) > 0 {
		flags |= hasDirectives
	}
	if msg.Directive > 0 {
		flags |= hasDirective
	}
	if msg.Seq > 0 {
		flags |= hasSeq
	}
	if msg.Last {
		flags |= hasLast
	}
	if msg.Chunk != nil {
		flags |= hasChunk
	}
	if msg.Credits > 0 {
		flags |= hasCredits
	}
	if msg.Code != common.ErrCNone {
		flags |= hasCode
	}
	if msg.Err != "" {
		flags |= hasErr
	}
	return flags
}

// sizeHint estimates the encoded size of a message to avoid regrowing the
// buffer for the common message types
func (b binarySerializerImpl) sizeHint(msg common.Message) int {
	size := headerSize + 64 + len(msg.Err)
	if msg.Chunk != nil {
		size += msg.Chunk.SizeBytes() + 8*len(msg.Chunk.Items)
	}
	size += 96 * len(msg.Directives)
	size += 128 * len(msg.Branches)
	return size
}
