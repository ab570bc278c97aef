package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/mailbox"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var Logger = logger.GetLogger("backfill")

// replyConnectTimeout bounds the wait for the link back to a requester
const replyConnectTimeout = 5 * time.Second

// errCancelled ends a backfiller session the backfillee cancelled
var errCancelled = errors.New("cancelled by backfillee")

// Backfiller serves backfill requests from a local store view on the
// well-known backfiller mailbox
type Backfiller struct {
	mailboxes *mailbox.Manager
	view      store.IStoreView
	hist      *history.Store
	config    Config
	throttle  *semaphore.Weighted // nil if sessions are not limited

	mailbox  *mailbox.Mailbox
	sessions *xsync.MapOf[SessionID, *outgoing]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackfiller registers a backfiller for view on mailboxes
func NewBackfiller(mailboxes *mailbox.Manager, view store.IStoreView, hist *history.Store, config Config) (*Backfiller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backfiller{
		mailboxes: mailboxes,
		view:      view,
		hist:      hist,
		config:    config,
		throttle:  newThrottle(config.MaxConcurrentSessions),
		sessions:  xsync.NewMapOf[SessionID, *outgoing](),
		ctx:       ctx,
		cancel:    cancel,
	}

	mb, err := mailboxes.RegisterMailbox(common.BackfillerMailboxID, b.handleRequest)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to register backfiller mailbox")
	}
	b.mailbox = mb
	return b, nil
}

// Sessions returns the number of sessions currently served, including the
// ones waiting for a free slot
func (b *Backfiller) Sessions() int {
	return b.sessions.Size()
}

// Close stops all sessions and unregisters the mailbox
func (b *Backfiller) Close() {
	b.mailbox.Close()
	b.cancel()
	b.wg.Wait()
}

// handleRequest is the handler of the well-known mailbox. It never blocks.
func (b *Backfiller) handleRequest(from common.PeerID, msg *common.Message) {
	switch msg.MsgType {
	case common.MsgTBackfillRequest:
		if msg.Reply.Peer != from {
			Logger.Warningf("dropped %s from %s with reply address %s", msg, from, msg.Reply)
			return
		}
		if b.ctx.Err() != nil {
			return
		}
		o, loaded := b.sessions.LoadOrCompute(msg.Session, func() *outgoing {
			return b.newOutgoing(msg)
		})
		if loaded {
			Logger.Debugf("dropped duplicate request for session %s", msg.Session)
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.sessions.Delete(o.id)
			o.run()
		}()

	case common.MsgTBackfillCancel:
		// a backfillee that has not seen the session mailbox yet cancels here
		if o, ok := b.sessions.Load(msg.Session); ok && o.requester == from {
			o.deliver(from, msg)
		}

	default:
		Logger.Debugf("dropped unexpected %s from %s", msg, from)
	}
}

// --------------------------------------------------------------------------
// Outgoing session
// --------------------------------------------------------------------------

// outgoing is a session served by the backfiller
type outgoing struct {
	b         *Backfiller
	id        SessionID
	requester common.PeerID
	request   *common.Message

	mailbox *mailbox.Mailbox
	events  chan *common.Message
	stop    chan struct{}
}

func (b *Backfiller) newOutgoing(req *common.Message) *outgoing {
	return &outgoing{
		b:         b,
		id:        req.Session,
		requester: req.Reply.Peer,
		request:   req,
		// at most one ack per granted credit plus a cancel
		events: make(chan *common.Message, min(int(req.Window), maxWindow)+2),
		stop:   make(chan struct{}),
	}
}

// deliver is the handler of the session mailbox. It never blocks; a full
// queue means the requester sent more acks than it holds chunks for.
func (o *outgoing) deliver(from common.PeerID, msg *common.Message) {
	if from != o.requester || msg.Session != o.id {
		return
	}
	select {
	case o.events <- msg:
	case <-o.stop:
	default:
		Logger.Warningf("session %s: event queue full, dropped %s", o.id, msg)
	}
}

func (o *outgoing) run() {
	sessionStarted(roleBackfiller)
	o.mailbox = o.b.mailboxes.NewMailbox(o.deliver)
	defer o.mailbox.Close()
	defer close(o.stop)

	err := o.serve()
	sessionFinished(roleBackfiller, err)

	switch {
	case err == nil:
		Logger.Infof("session %s: served %s to %s", o.id, o.request.Region, o.requester)
	case errors.Is(err, errCancelled), errors.Is(err, ErrPeerLost):
		Logger.Infof("session %s: stopped: %v", o.id, err)
	case o.b.ctx.Err() != nil:
		o.b.mailboxes.Send(o.request.Reply, common.NewBackfillCancel(o.id, common.ErrCShutdown, "backfiller shutting down"))
	default:
		Logger.Warningf("session %s: failed: %v", o.id, err)
		o.b.mailboxes.Send(o.request.Reply, common.NewErrorMessage(o.id, codeOf(err), err))
	}
}

// serve negotiates the session and streams all directives
func (o *outgoing) serve() error {
	req := o.request

	// replies travel over this node's own link to the requester
	conn, ok := o.b.mailboxes.WaitConnected(o.requester, replyConnectTimeout)
	if !ok {
		return errors.Wrapf(ErrPeerLost, "no link to requester %s", o.requester)
	}

	if req.Region.IsEmpty() || req.Window == 0 || req.Window > maxWindow {
		return violationf("invalid request for %s with window %d", req.Region, req.Window)
	}
	if !req.Metainfo.Covers(req.Region) {
		return violationf("requester metainfo %s does not cover %s", req.Metainfo, req.Region)
	}

	release, err := o.waitTurn()
	if err != nil {
		return err
	}
	defer release()
	if err := o.b.hist.Import(req.Branches); err != nil {
		return errors.Wrap(err, "record requester history")
	}

	snap, err := o.b.view.Snapshot(req.Region)
	if err != nil {
		return errors.Wrap(err, "snapshot store view")
	}
	defer func() { _ = snap.Close() }()

	meta := snap.Metainfo().Mask(req.Region)
	directives, err := o.b.hist.ComputeDeltaMap(req.Metainfo, meta, req.Region)
	if err != nil {
		return errors.Wrap(err, "compute delta")
	}
	directives = history.WithoutNoops(directives)
	branches, err := o.b.hist.Export(meta)
	if err != nil {
		return errors.Wrap(err, "export history")
	}

	Logger.Infof("session %s: serving %s to %s with %d directives", o.id, req.Region, o.requester, len(directives))
	start := common.NewBackfillStart(o.id, o.mailbox.Address(), directives, meta, branches)
	if !o.b.mailboxes.Send(req.Reply, start) {
		return errors.Wrapf(ErrPeerLost, "cannot reach %s", req.Reply)
	}

	credits := make(chan struct{}, req.Window)
	for i := 0; i < int(req.Window); i++ {
		credits <- struct{}{}
	}

	g, ctx := errgroup.WithContext(o.b.ctx)
	finished := make(chan struct{})
	g.Go(func() error {
		defer close(finished)
		return o.produce(ctx, snap, directives, credits)
	})
	g.Go(func() error {
		return o.consume(ctx, conn, credits, finished)
	})
	return g.Wait()
}

// waitTurn blocks until the backfiller serves fewer sessions than its limit
// and returns the function that frees the slot again. A cancel from the
// requester or a shutdown ends the wait.
func (o *outgoing) waitTurn() (func(), error) {
	if o.b.throttle == nil {
		return func() {}, nil
	}
	if o.b.throttle.TryAcquire(1) {
		return func() { o.b.throttle.Release(1) }, nil
	}
	Logger.Infof("session %s: waiting for a free session slot", o.id)

	ctx, cancel := context.WithCancel(o.b.ctx)
	defer cancel()
	acquired := make(chan error, 1)
	go func() { acquired <- o.b.throttle.Acquire(ctx, 1) }()

	for {
		select {
		case err := <-acquired:
			if err != nil {
				return nil, err
			}
			return func() { o.b.throttle.Release(1) }, nil
		case msg := <-o.events:
			if msg.MsgType != common.MsgTBackfillCancel {
				return nil, violationf("unexpected %s before start", msg)
			}
			cancel()
			if err := <-acquired; err == nil {
				o.b.throttle.Release(1)
			}
			return nil, errors.Wrapf(errCancelled, "%s: %s", msg.Code, msg.Err)
		}
	}
}

// consume handles acks and cancellations and watches the requester's link
func (o *outgoing) consume(ctx context.Context, conn mailbox.Connection, credits chan struct{}, finished <-chan struct{}) error {
	w := o.b.mailboxes.PeerWatch(o.requester)
	for {
		c, changed := w.Changed()
		if c.Link != conn.Link {
			return errors.Wrapf(ErrPeerLost, "link to requester %s changed", o.requester)
		}

		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case msg := <-o.events:
			switch msg.MsgType {
			case common.MsgTBackfillAck:
				for i := uint32(0); i < msg.Credits; i++ {
					select {
					case credits <- struct{}{}:
					default:
						return violationf("requester returned more credits than granted")
					}
				}
			case common.MsgTBackfillCancel:
				return errors.Wrapf(errCancelled, "%s: %s", msg.Code, msg.Err)
			default:
				return violationf("unexpected %s", msg)
			}
		}
	}
}

// produce streams the chunks of all directives, one credit per chunk
func (o *outgoing) produce(ctx context.Context, snap store.ISnapshot, directives []history.Directive, credits chan struct{}) error {
	var seq uint64
	send := func(index int, c store.Chunk, last bool) error {
		select {
		case <-credits:
		case <-ctx.Done():
			return ctx.Err()
		}
		msg := common.NewBackfillChunk(o.id, uint32(index), seq, last, c)
		if !o.b.mailboxes.Send(o.request.Reply, msg) {
			return errors.Wrapf(ErrPeerLost, "cannot reach %s", o.request.Reply)
		}
		seq++
		chunksSent.Inc()
		bytesSent.Add(c.SizeBytes())
		return nil
	}

	for i, d := range directives {
		if err := o.streamDirective(snap, i, d, send); err != nil {
			return err
		}
	}

	if !o.b.mailboxes.Send(o.request.Reply, common.NewBackfillDone(o.id)) {
		return errors.Wrapf(ErrPeerLost, "cannot reach %s", o.request.Reply)
	}
	return nil
}

// streamDirective cuts the data of one directive into chunks. A chunk is
// closed once it reaches MaxChunkBytes and another item follows, so the last
// chunk always ends at the end of the directive and never has an empty range.
func (o *outgoing) streamDirective(snap store.ISnapshot, index int, d history.Directive, send func(int, store.Chunk, bool) error) error {
	since := d.Since
	if d.Mode == history.ModeSnapshot {
		since = 0
	}

	pending := store.Chunk{Range: region.KeyRange{Start: d.Range.Start}, Mode: d.Mode, Version: d.Target}
	size := 0
	err := snap.Scan(d.Range, since, func(it store.Item) error {
		// a snapshot chunk clears its range, tombstones carry nothing
		if d.Mode == history.ModeSnapshot && it.Deleted {
			return nil
		}
		if size >= o.b.config.MaxChunkBytes {
			pending.Range.End = it.Key
			if err := send(index, pending, false); err != nil {
				return err
			}
			pending = store.Chunk{Range: region.KeyRange{Start: it.Key}, Mode: d.Mode, Version: d.Target}
			size = 0
		}
		pending.Items = append(pending.Items, it)
		size += it.SizeBytes()
		return nil
	})
	if err != nil {
		return err
	}

	pending.Range.End = d.Range.End
	return send(index, pending, true)
}
