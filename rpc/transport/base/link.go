package base

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/rangekv/lib/util"
	"github.com/ValentinKolb/rangekv/rpc/transport"
)

// link implements transport.ILink on top of a net.Conn.
//
// Senders push payloads into a lock-free queue, a single writer goroutine
// drains it into the connection. A single reader goroutine reads frames and
// hands them to the handler in order. Every data frame carries a sequence
// number, so a frame that got lost or reordered breaks the link instead of
// being skipped silently.
type link struct {
	conn    net.Conn
	remote  transport.Hello
	queue   *util.LockFreeMPSC[[]byte]
	timeout time.Duration
	owner   *linkTransport

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// newLink wraps an established connection (after the handshake)
func newLink(conn net.Conn, remote transport.Hello, timeout time.Duration, owner *linkTransport) *link {
	return &link{
		conn:    conn,
		remote:  remote,
		queue:   util.NewLockFreeMPSC[[]byte](),
		timeout: timeout,
		owner:   owner,
		done:    make(chan struct{}),
	}
}

// start launches the writer and reader goroutines
func (l *link) start(handler transport.FrameHandler) {
	go l.writeLoop()
	go l.readLoop(handler)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILink)
// --------------------------------------------------------------------------

func (l *link) Remote() transport.Hello {
	return l.remote
}

func (l *link) Send(payload []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	return l.queue.Push(&payload)
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) Close() error {
	// the writer closes the connection once the queue is drained
	l.queue.Close()
	return nil
}

func (l *link) String() string {
	return fmt.Sprintf("link(%s)", l.remote)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// fail breaks the link: queued payloads are dropped and the connection is
// closed. Only the first reason is kept.
func (l *link) fail(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()

		l.queue.Abort()
		_ = l.conn.Close()
		close(l.done)
		if l.owner != nil {
			l.owner.forget(l)
		}
		Logger.Infof("%s down: %v", l, err)
	})
}

// writeLoop sends queued payloads until the queue is closed or a write fails
func (l *link) writeLoop() {
	seq := uint64(1)
	for payload := range l.queue.Recv() {
		if l.timeout > 0 {
			if err := l.conn.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil {
				l.fail(fmt.Errorf("failed to set write deadline: %v", err))
				return
			}
		}
		if err := writeFrame(l.conn, frameData, seq, *payload); err != nil {
			l.fail(fmt.Errorf("write failed: %v", err))
			return
		}
		seq++
	}
	l.fail(errLinkClosed)
}

// readLoop dispatches received payloads until a read fails
func (l *link) readLoop(handler transport.FrameHandler) {
	var buf []byte
	expected := uint64(1)
	for {
		kind, seq, data, newBuf, err := readFrame(l.conn, buf)
		buf = newBuf
		if err != nil {
			l.fail(fmt.Errorf("read failed: %v", err))
			return
		}
		if kind != frameData {
			l.fail(fmt.Errorf("unexpected frame kind %d", kind))
			return
		}
		if seq != expected {
			l.fail(fmt.Errorf("frame sequence gap: expected %d, got %d", expected, seq))
			return
		}
		expected++

		if handler != nil {
			handler(l, data)
		}
	}
}
