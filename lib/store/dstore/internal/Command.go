package internal

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTWrite      CommandType = iota // Write one item and set the metainfo of a region.
	CommandTApplyChunk                    // Apply a backfill chunk.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTWrite:
		return "Write"
	case CommandTApplyChunk:
		return "ApplyChunk"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type CommandType

	// CommandTWrite
	Region  region.Region
	Item    store.Item
	Version history.Version

	// CommandTApplyChunk
	Chunk store.Chunk
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type, followed by
// - Write: region, item, version
// - ApplyChunk: chunk
// (all lib/codec encoded)
func (command *Command) Serialize() []byte {
	w := codec.NewWriter(64 + command.Item.SizeBytes() + command.Chunk.SizeBytes())
	w.Uint8(uint8(command.Type))

	switch command.Type {
	case CommandTWrite:
		command.Region.EncodeTo(w)
		store.EncodeItem(w, command.Item)
		history.EncodeVersion(w, command.Version)
	case CommandTApplyChunk:
		store.EncodeChunk(w, command.Chunk)
	}
	return w.Bytes()
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("data too short for command")
	}

	r := codec.NewReader(data)
	*command = Command{Type: CommandType(r.Uint8())}

	switch command.Type {
	case CommandTWrite:
		command.Region = region.DecodeRegion(r)
		command.Item = store.DecodeItem(r)
		command.Version = history.DecodeVersion(r)
	case CommandTApplyChunk:
		command.Chunk = store.DecodeChunk(r)
	default:
		return fmt.Errorf("unknown command type %d", command.Type)
	}

	if r.Err() != nil {
		return fmt.Errorf("failed to decode %s command: %v", command.Type, r.Err())
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after %s command", r.Remaining(), command.Type)
	}
	return nil
}
