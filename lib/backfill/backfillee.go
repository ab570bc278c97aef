package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/lib/watch"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/mailbox"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// Backfillee runs backfill sessions that pull data into a local store view
type Backfillee struct {
	mailboxes *mailbox.Manager
	config    Config
	registry  *Registry
	throttle  *semaphore.Weighted // nil if sessions are not limited
}

// NewBackfillee creates a backfillee sending over mailboxes. Progress of its
// sessions is recorded in registry.
func NewBackfillee(mailboxes *mailbox.Manager, config Config, registry *Registry) *Backfillee {
	if registry == nil {
		registry = NewRegistry(DefaultRetainReports)
	}
	return &Backfillee{
		mailboxes: mailboxes,
		config:    config,
		registry:  registry,
		throttle:  newThrottle(config.MaxConcurrentSessions),
	}
}

// Registry returns the registry the sessions report to
func (b *Backfillee) Registry() *Registry {
	return b.registry
}

// Run brings the region r of view up to date with the backfiller described
// by the descriptor watch. It returns nil once every directive was applied.
//
// A failed session leaves view consistent: every chunk is applied together
// with its metainfo, so a new session picks up where the failed one
// stopped. Errors are ErrInterrupted (ctx done), ErrPeerLost (the descriptor
// changed or the backfiller gave up), history.ErrHistoryConflict,
// history.ErrHistoryCorrupt and ErrProtocolViolation; see KindOf. The caller
// must not write to r while the session runs. With MaxConcurrentSessions
// set, Run first waits until fewer sessions are running.
func (b *Backfillee) Run(ctx context.Context, view store.IStoreView, hist *history.Store, r region.Region, backfiller watch.Readable[Descriptor], id SessionID) (err error) {
	d := backfiller.Get()
	t, err := b.registry.begin(id, ExtractPeerID(d), r)
	if err != nil {
		return err
	}
	sessionStarted(roleBackfillee)
	defer func() {
		t.finish(err)
		sessionFinished(roleBackfillee, err)
	}()

	if r.IsEmpty() {
		return nil
	}
	if ExtractPeerID(d) == common.NilPeer {
		return errors.Wrapf(ErrPeerLost, "no backfiller serving for session %s", id)
	}

	if b.throttle != nil {
		if err := b.throttle.Acquire(ctx, 1); err != nil {
			return errors.Wrapf(ErrInterrupted, "session %s: waiting for a free session slot: %v", id, context.Cause(ctx))
		}
		defer b.throttle.Release(1)
	}

	s := &session{
		id:         id,
		ctx:        ctx,
		view:       view,
		hist:       hist,
		region:     r,
		card:       d.Card,
		backfiller: backfiller,
		mailboxes:  b.mailboxes,
		window:     b.config.WindowSize(),
		tracker:    t,
		stop:       make(chan struct{}),
		overflow:   make(chan struct{}),
		gone:       make(chan Descriptor, 1),
		credits:    semaphore.NewWeighted(int64(b.config.WindowSize())),
	}
	// chunks within the window plus start, done and one error or cancel
	s.events = make(chan event, s.window+4)

	return s.run()
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// event is a message received by the session mailbox
type event struct {
	from common.PeerID
	msg  *common.Message
}

// session is the state of one Run call. All fields except events, gone,
// stop, overflow and credits are owned by the session goroutine.
type session struct {
	id         SessionID
	ctx        context.Context
	view       store.IStoreView
	hist       *history.Store
	region     region.Region
	card       Card
	backfiller watch.Readable[Descriptor]
	mailboxes  *mailbox.Manager
	tracker    *tracker

	mailbox *mailbox.Mailbox
	events  chan event
	gone    chan Descriptor

	stop         chan struct{}
	overflow     chan struct{}
	overflowOnce sync.Once

	state State

	// credit window: every chunk received takes a permit, which returns
	// once the chunk is applied and acknowledged
	window  int
	credits *semaphore.Weighted

	local      history.Metainfo
	remote     common.Address
	directives []history.Directive
	cursor     int    // directive currently streamed
	next       string // start of the next chunk of directives[cursor]
	seq        uint64
}

func (s *session) run() (err error) {
	s.mailbox = s.mailboxes.NewMailbox(s.deliver)
	defer func() {
		close(s.stop)
		s.mailbox.Close()
		if err != nil {
			s.abort(err)
		}
	}()

	go s.forwardDescriptor()

	if err := s.negotiate(); err != nil {
		return err
	}
	return s.loop()
}

// loop handles events until the session completes or fails
func (s *session) loop() error {
	for {
		// interruption and peer loss win over pending events
		if err := s.ctx.Err(); err != nil {
			return s.interrupted()
		}
		select {
		case d := <-s.gone:
			return s.peerLost(d)
		default:
		}

		select {
		case <-s.ctx.Done():
			return s.interrupted()
		case d := <-s.gone:
			return s.peerLost(d)
		case <-s.overflow:
			return violationf("session %s: backfiller sent more than its credit allows", s.id)
		case ev := <-s.events:
			done, err := s.step(ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// deliver is the mailbox handler. It never blocks. A chunk takes a credit
// permit; a chunk without one is a violation of the window.
func (s *session) deliver(from common.PeerID, msg *common.Message) {
	if msg.Session != s.id {
		Logger.Debugf("session %s: dropped %s for another session", s.id, msg)
		return
	}
	if msg.MsgType == common.MsgTBackfillChunk && !s.credits.TryAcquire(1) {
		s.exceeded()
		return
	}
	select {
	case s.events <- event{from: from, msg: msg}:
	default:
		s.exceeded()
	}
}

func (s *session) exceeded() {
	s.overflowOnce.Do(func() { close(s.overflow) })
}

// forwardDescriptor watches the backfiller descriptor and reports on gone
// once it no longer matches the card the session started with
func (s *session) forwardDescriptor() {
	for {
		d, changed := s.backfiller.Changed()
		if s.lost(d) {
			s.gone <- d
			return
		}
		select {
		case <-changed:
		case <-s.stop:
			return
		}
	}
}

// lost reports whether d describes a different backfiller than the one the
// session talks to
func (s *session) lost(d Descriptor) bool {
	return ExtractPeerID(d) == common.NilPeer || d.Card != s.card
}

func (s *session) peerLost(d Descriptor) error {
	if ExtractPeerID(d) == common.NilPeer {
		return errors.Wrapf(ErrPeerLost, "session %s: backfiller %s no longer serving", s.id, s.card.Mailbox.Peer)
	}
	return errors.Wrapf(ErrPeerLost, "session %s: backfiller %s changed its link", s.id, s.card.Mailbox.Peer)
}

func (s *session) interrupted() error {
	return errors.Wrapf(ErrInterrupted, "session %s: %v", s.id, context.Cause(s.ctx))
}

func (s *session) setState(st State) {
	s.state = st
	s.tracker.setState(st)
}

// send sends to the backfiller. A message that cannot be sent means the
// link to the backfiller is gone.
func (s *session) send(to common.Address, msg *common.Message) error {
	if !s.mailboxes.Send(to, msg) {
		return errors.Wrapf(ErrPeerLost, "session %s: cannot reach %s", s.id, to)
	}
	return nil
}

// abort tells the backfiller to stop. Best effort, the message may be lost.
func (s *session) abort(cause error) {
	to := s.remote
	if to.IsNil() {
		to = s.card.Mailbox
	}
	s.mailboxes.Send(to, common.NewBackfillCancel(s.id, codeOf(cause), cause.Error()))
	Logger.Warningf("session %s aborted in state %s: %v", s.id, s.state, cause)
	s.setState(StateAborted)
}

// --------------------------------------------------------------------------
// Negotiating
// --------------------------------------------------------------------------

// negotiate sends the request for the region and grants the initial credits
func (s *session) negotiate() error {
	s.setState(StateNegotiating)

	local, err := s.view.ReadMetainfo(s.region)
	if err != nil {
		return errors.Wrapf(err, "session %s: read metainfo", s.id)
	}
	branches, err := s.hist.Export(local)
	if err != nil {
		return errors.Wrapf(err, "session %s: export history", s.id)
	}
	s.local = local

	Logger.Infof("session %s: requesting %s from %s (window %d)", s.id, s.region, s.card.Mailbox.Peer, s.window)
	req := common.NewBackfillRequest(s.id, s.mailbox.Address(), s.region, local, branches, uint32(s.window))
	return s.send(s.card.Mailbox, req)
}

// start handles the backfiller's answer to the request
func (s *session) start(msg *common.Message) error {
	if msg.Reply.Peer != s.card.Mailbox.Peer {
		return violationf("session %s: start names mailbox %s on another peer", s.id, msg.Reply)
	}
	if !msg.Metainfo.Covers(s.region) {
		return violationf("session %s: backfiller metainfo %s does not cover %s", s.id, msg.Metainfo, s.region)
	}
	if err := validateDirectives(msg.Directives, s.region); err != nil {
		return errors.Wrapf(err, "session %s", s.id)
	}
	if err := s.hist.Import(msg.Branches); err != nil {
		return errors.Wrapf(err, "session %s: record backfiller history", s.id)
	}

	expected, err := s.hist.ComputeDeltaMap(s.local, msg.Metainfo, s.region)
	if err != nil {
		if errors.Is(err, history.ErrIncompleteMetainfo) {
			return errors.Mark(err, ErrProtocolViolation)
		}
		return errors.Wrapf(err, "session %s: compute delta", s.id)
	}
	expected = history.WithoutNoops(expected)
	if !sameDirectives(expected, msg.Directives) {
		return violationf("session %s: backfiller advertised %v, local delta is %v", s.id, msg.Directives, expected)
	}

	s.remote = msg.Reply
	s.directives = msg.Directives
	s.tracker.setDirectives(s.directives, s.region)
	Logger.Infof("session %s: streaming %d directives from %s", s.id, len(s.directives), s.remote)

	if len(s.directives) == 0 {
		s.setState(StateDraining)
		return nil
	}
	s.cursor = 0
	s.next = s.directives[0].Range.Start
	s.setState(StateStreaming)
	return nil
}

// validateDirectives checks that ds are sorted, disjoint and inside r
func validateDirectives(ds []history.Directive, r region.Region) error {
	for i, d := range ds {
		if !d.Range.Valid() || d.Range.IsEmpty() {
			return violationf("directive %d has invalid range %s", i, d.Range)
		}
		if !region.IsSubset(region.New(d.Range), r) {
			return violationf("directive %d range %s outside of %s", i, d.Range, r)
		}
		if i > 0 && ds[i-1].Range.End > d.Range.Start {
			return violationf("directive %d range %s overlaps or precedes %s", i, d.Range, ds[i-1].Range)
		}
		if d.IsNoop() {
			return violationf("directive %d %s transfers nothing", i, d)
		}
	}
	return nil
}

func sameDirectives(a, b []history.Directive) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Step function
// --------------------------------------------------------------------------

// step handles one event. It reports true once the session completed.
func (s *session) step(ev event) (bool, error) {
	msg := ev.msg
	if ev.from != s.card.Mailbox.Peer {
		Logger.Warningf("session %s: ignoring %s from %s", s.id, msg, ev.from)
		return false, nil
	}

	switch msg.MsgType {
	case common.MsgTError, common.MsgTBackfillCancel:
		return false, remoteError(msg)

	case common.MsgTBackfillStart:
		if s.state != StateNegotiating {
			return false, violationf("session %s: start in state %s", s.id, s.state)
		}
		return false, s.start(msg)

	case common.MsgTBackfillChunk:
		if s.state != StateStreaming {
			return false, violationf("session %s: chunk in state %s", s.id, s.state)
		}
		return false, s.chunk(msg)

	case common.MsgTBackfillDone:
		if s.state != StateDraining {
			return false, violationf("session %s: done in state %s with %d of %d directives applied", s.id, s.state, s.cursor, len(s.directives))
		}
		s.setState(StateCompleted)
		Logger.Infof("session %s: completed", s.id)
		return true, nil

	default:
		return false, violationf("session %s: unexpected %s", s.id, msg)
	}
}

// chunk checks and applies one chunk and returns its credit. The chunk's
// permit was taken by deliver.
func (s *session) chunk(msg *common.Message) error {
	if msg.Seq != s.seq {
		return violationf("session %s: chunk seq %d, expected %d", s.id, msg.Seq, s.seq)
	}
	if int(msg.Directive) != s.cursor {
		return violationf("session %s: chunk for directive %d, expected %d", s.id, msg.Directive, s.cursor)
	}
	if msg.Chunk == nil {
		return violationf("session %s: chunk %d without data", s.id, msg.Seq)
	}

	c := *msg.Chunk
	d := s.directives[s.cursor]
	if c.Mode != d.Mode || c.Version != d.Target {
		return violationf("session %s: %s does not match directive %s", s.id, c, d)
	}
	if c.Range.Start != s.next {
		return violationf("session %s: %s does not continue at %q", s.id, c, s.next)
	}
	if msg.Last && c.Range.End != d.Range.End || !msg.Last && c.Range.End >= d.Range.End {
		return violationf("session %s: %s (last %t) does not fit directive %s", s.id, c, msg.Last, d)
	}
	if err := c.Validate(); err != nil {
		return errors.Mark(errors.Wrapf(err, "session %s: chunk %d", s.id, msg.Seq), ErrProtocolViolation)
	}

	// interruption is checked between chunk applications
	if s.ctx.Err() != nil {
		return s.interrupted()
	}

	start := time.Now()
	if err := s.view.ApplyChunk(c); err != nil {
		return errors.Wrapf(err, "session %s: apply %s", s.id, c)
	}
	// a zero target clears the range and has no branch to extend
	if !d.Target.IsZero() {
		if err := s.hist.ExtendBranchTo(d.Target.Branch, d.Target.Timestamp); err != nil {
			return errors.Wrapf(err, "session %s: extend branch", s.id)
		}
	}
	chunkApplyDuration.UpdateDuration(start)
	chunksApplied.Inc()
	bytesApplied.Add(c.SizeBytes())

	s.seq++
	s.next = c.Range.End
	s.tracker.chunkApplied(c, msg.Last)
	if msg.Last {
		s.cursor++
		if s.cursor == len(s.directives) {
			s.setState(StateDraining)
			return nil
		}
		s.next = s.directives[s.cursor].Range.Start
	}

	// the chunk's permit returns to the window and is granted again
	s.credits.Release(1)
	return s.send(s.remote, common.NewBackfillAck(s.id, 1))
}
