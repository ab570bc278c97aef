package backfill

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// Session states
// --------------------------------------------------------------------------

// State is the state of a backfill session
type State int

const (
	StateNegotiating State = iota
	StateStreaming
	StateDraining
	StateCompleted
	StateAborted
)

var stateNames = map[State]string{
	StateNegotiating: "negotiating",
	StateStreaming:   "streaming",
	StateDraining:    "draining",
	StateCompleted:   "completed",
	StateAborted:     "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// Finished reports whether the session has ended
func (s State) Finished() bool {
	return s == StateCompleted || s == StateAborted
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state written by MarshalJSON
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state: %s", name)
}

// --------------------------------------------------------------------------
// Reports
// --------------------------------------------------------------------------

// Report is the progress of a backfill session as seen by the backfillee
type Report struct {
	ID     SessionID     `json:"id"`
	Peer   common.PeerID `json:"peer"`
	Region region.Region `json:"region"`
	State  State         `json:"state"`

	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`

	// Directives is the number of directives of the session, DirectivesDone
	// how many of them were applied completely
	Directives     int `json:"directives"`
	DirectivesDone int `json:"directivesDone"`
	// Completed is the part of Region that is known to be up to date
	Completed region.Region `json:"completed"`

	Chunks uint64 `json:"chunks"`
	Items  uint64 `json:"items"`
	Bytes  uint64 `json:"bytes"`
	// BytesPerSec is the mean transfer rate of the session
	BytesPerSec float64 `json:"bytesPerSec"`
	// Fraction is the share of directives applied, 1 once completed
	Fraction float64 `json:"fraction"`

	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// DefaultRetainReports is the number of finished reports kept by default
const DefaultRetainReports = 128

// Registry tracks the sessions run by a backfillee: active sessions until
// they end, finished ones in a bounded LRU
type Registry struct {
	active   *xsync.MapOf[SessionID, *tracker]
	finished *lru.Cache[SessionID, Report]
}

// NewRegistry creates a registry keeping up to retain finished reports
func NewRegistry(retain int) *Registry {
	if retain <= 0 {
		retain = DefaultRetainReports
	}
	finished, err := lru.New[SessionID, Report](retain)
	if err != nil {
		// only fails for a non-positive size
		panic(errors.AssertionFailedf("lru size %d: %v", retain, err))
	}
	return &Registry{
		active:   xsync.NewMapOf[SessionID, *tracker](),
		finished: finished,
	}
}

// Progress returns the report of a session
func (r *Registry) Progress(id SessionID) (Report, bool) {
	if t, ok := r.active.Load(id); ok {
		return t.report(), true
	}
	return r.finished.Get(id)
}

// List returns the reports of all active and retained sessions, oldest first
func (r *Registry) List() []Report {
	var out []Report
	r.active.Range(func(_ SessionID, t *tracker) bool {
		out = append(out, t.report())
		return true
	})
	for _, rep := range r.finished.Values() {
		out = append(out, rep)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Active returns the number of running sessions
func (r *Registry) Active() int {
	return r.active.Size()
}

// begin registers a new session. A session id can only be active once.
func (r *Registry) begin(id SessionID, peer common.PeerID, reg region.Region) (*tracker, error) {
	t := &tracker{
		registry: r,
		meter:    gometrics.NewMeter(),
		rep: Report{
			ID:        id,
			Peer:      peer,
			Region:    reg,
			State:     StateNegotiating,
			Started:   time.Now(),
			Completed: region.Empty(),
		},
	}
	if _, loaded := r.active.LoadOrStore(id, t); loaded {
		t.meter.Stop()
		return nil, errors.Newf("backfill session %s is already running", id)
	}
	return t, nil
}

// tracker records the progress of one active session
type tracker struct {
	registry *Registry
	meter    gometrics.Meter

	mu  sync.Mutex
	rep Report
}

func (t *tracker) report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.rep
	if !rep.State.Finished() {
		rep.BytesPerSec = t.meter.RateMean()
	}
	rep.Fraction = fraction(rep)
	return rep
}

func (t *tracker) setState(s State) {
	t.mu.Lock()
	t.rep.State = s
	t.mu.Unlock()
}

func (t *tracker) setDirectives(ds []history.Directive, r region.Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rep.Directives = len(ds)
	// parts without a directive are up to date already
	t.rep.Completed = region.Subtract(r, history.Covered(ds))
}

func (t *tracker) chunkApplied(c store.Chunk, directiveDone bool) {
	size := c.SizeBytes()
	t.meter.Mark(int64(size))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rep.Chunks++
	t.rep.Items += uint64(len(c.Items))
	t.rep.Bytes += uint64(size)
	t.rep.Completed = region.Union(t.rep.Completed, region.New(c.Range))
	if directiveDone {
		t.rep.DirectivesDone++
	}
}

// finish moves the session to the finished reports
func (t *tracker) finish(err error) {
	t.mu.Lock()
	now := time.Now()
	t.rep.Finished = &now
	t.rep.BytesPerSec = t.meter.RateMean()
	t.rep.Result = KindOf(err).String()
	if err != nil {
		t.rep.State = StateAborted
		t.rep.Error = err.Error()
	} else {
		t.rep.State = StateCompleted
	}
	t.rep.Fraction = fraction(t.rep)
	rep := t.rep
	t.mu.Unlock()

	t.meter.Stop()
	t.registry.finished.Add(rep.ID, rep)
	t.registry.active.Delete(rep.ID)
	sessionDuration.UpdateDuration(rep.Started)
}

// fraction computes the completed share of a report
func fraction(rep Report) float64 {
	switch {
	case rep.State == StateCompleted:
		return 1
	case rep.Directives == 0:
		return 0
	default:
		return float64(rep.DirectivesDone) / float64(rep.Directives)
	}
}
