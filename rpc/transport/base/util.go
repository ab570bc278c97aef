package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/transport"
)

// frame kinds
const (
	frameHello uint64 = 1
	frameData  uint64 = 2
)

const (
	headerSize = 20
	// maxFrameSize bounds the allocation for a single frame
	maxFrameSize = 64 * 1024 * 1024
)

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: frame kind (uint64, big endian)
// - 8 bytes: sequence number (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, kind uint64, seq uint64, data []byte) error {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], kind)
	binary.BigEndian.PutUint64(header[8:16], seq)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small, it will allocate a new buffer for the data,
// which is returned so the caller can keep using it.
func readFrame(conn net.Conn, buf []byte) (kind uint64, seq uint64, data []byte, newBuf []byte, err error) {
	// Check if buffer is large enough for header
	if len(buf) < headerSize {
		buf = make([]byte, headerSize)
	}

	// Read header
	if _, err := io.ReadFull(conn, buf[:headerSize]); err != nil {
		return 0, 0, nil, buf, err
	}

	// Parse header
	kind = binary.BigEndian.Uint64(buf[:8])
	seq = binary.BigEndian.Uint64(buf[8:16])
	contentLength := binary.BigEndian.Uint32(buf[16:20])

	if contentLength > maxFrameSize {
		return 0, 0, nil, buf, fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", contentLength, maxFrameSize)
	}

	// If no data, return empty slice
	if contentLength == 0 {
		return kind, seq, []byte{}, buf, nil
	}

	// Check if buffer is large enough for data
	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	// Read data
	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, 0, nil, buf, err
	}

	return kind, seq, buf[:contentLength], buf, nil
}

// encodeHello encodes the handshake payload
func encodeHello(h transport.Hello) []byte {
	w := codec.NewWriter(16 + len(h.Peer) + len(h.Endpoint))
	w.Str(string(h.Peer))
	w.Uint64(h.Incarnation)
	w.Str(h.Endpoint)
	return w.Bytes()
}

// decodeHello decodes the handshake payload
func decodeHello(data []byte) (transport.Hello, error) {
	r := codec.NewReader(data)
	h := transport.Hello{
		Peer:        common.PeerID(r.Str()),
		Incarnation: r.Uint64(),
		Endpoint:    r.Str(),
	}
	if r.Err() != nil {
		return transport.Hello{}, fmt.Errorf("malformed hello: %v", r.Err())
	}
	if r.Remaining() != 0 {
		return transport.Hello{}, fmt.Errorf("malformed hello: %d trailing bytes", r.Remaining())
	}
	if h.Peer == common.NilPeer {
		return transport.Hello{}, fmt.Errorf("hello without peer id")
	}
	return h, nil
}
