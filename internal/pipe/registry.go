// Package pipe tracks which senders and receivers have claimed each path
// and decides, atomically per claim, when a path is paired and may start
// its transfer.
package pipe

import (
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"github.com/sheerbytes/piping/internal/expiry"
	"github.com/sheerbytes/piping/internal/telemetry"
)

// Outcome tells how a claim was recorded.
type Outcome int

const (
	// OutcomeStarted means the claim created the path state.
	OutcomeStarted Outcome = iota
	// OutcomeJoined means the claim joined an existing path state.
	OutcomeJoined
)

func (o Outcome) String() string {
	if o == OutcomeStarted {
		return "started"
	}
	return "joined"
}

// Pairing is handed to the one caller whose claim completed the path. It
// owns starting the transfer and must call Registry.Release afterwards.
type Pairing struct {
	ID        string
	Path      string
	Sender    *Party
	Receivers []*Party
}

// Claim is the result of a successful claim.
type Claim struct {
	Outcome Outcome
	State   Snapshot
	// Pairing is non-nil only for the claim that moved the path to
	// PhaseTransferring.
	Pairing *Pairing
}

// Registry maps path names to their pairing state. All methods are safe
// for concurrent use and never block on I/O.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
	closed bool

	timers  *expiry.Manager
	timeout time.Duration
	logger  *zap.Logger
	msink   metrics.MetricSink
}

// Option configures a Registry.
type Option func(*Registry)

// WithPairingTimeout bounds how long a path may wait for its counterpart.
// Zero disables eviction.
func WithPairingTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetricSink sets where registry metrics go.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(r *Registry) {
		if ms != nil {
			r.msink = ms
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		states: make(map[string]*State),
		timers: expiry.NewManager(),
		logger: zap.NewNop(),
		msink:  telemetry.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ClaimSender registers p as the sender of path. n is the desired receiver
// count, 0 when unspecified.
func (r *Registry) ClaimSender(path string, n int, p *Party) (Claim, error) {
	return r.claim(path, n, p, RoleSender)
}

// ClaimReceiver registers p as a receiver of path. n is the desired
// receiver count, 0 when unspecified.
func (r *Registry) ClaimReceiver(path string, n int, p *Party) (Claim, error) {
	return r.claim(path, n, p, RoleReceiver)
}

func (r *Registry) claim(path string, n int, p *Party, role Role) (Claim, error) {
	if n < 0 {
		return Claim{}, ErrInvalidCount
	}
	labels := []metrics.Label{telemetry.LabelRole.M(role.String())}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Claim{}, ErrClosed
	}

	st, exists := r.states[path]
	outcome := OutcomeJoined
	if !exists {
		st = newState(path)
		outcome = OutcomeStarted
	}
	if err := r.admit(st, n, p, role); err != nil {
		var reason string
		if ce, ok := err.(*ConflictError); ok {
			reason = string(ce.Reason)
		}
		r.msink.IncrCounterWithLabels(telemetry.MetricClaimConflictCount, 1,
			append(labels, telemetry.LabelReason.M(reason)))
		return Claim{}, err
	}
	p.Role = role
	if !exists {
		r.states[path] = st
		r.schedule(st)
		r.msink.SetGauge(telemetry.MetricPathsActive, float32(len(r.states)))
	}
	r.msink.IncrCounterWithLabels(telemetry.MetricClaimCount, 1, labels)

	claim := Claim{Outcome: outcome}
	if st.ready() {
		claim.Pairing = r.promote(st)
	}
	claim.State = st.snapshot()
	return claim, nil
}

// admit validates and records p on st. st is unchanged on error.
func (r *Registry) admit(st *State, n int, p *Party, role Role) error {
	if st.phase >= PhaseTransferring {
		return &ConflictError{Path: st.Path, Reason: ReasonBusy}
	}
	switch role {
	case RoleSender:
		if st.sender != nil {
			return &ConflictError{Path: st.Path, Reason: ReasonSenderExists}
		}
		if err := st.checkCount(n); err != nil {
			return err
		}
		st.applyCount(n)
		st.sender = p
	case RoleReceiver:
		if err := st.checkCount(n); err != nil {
			return err
		}
		if limit := st.capacity(n); len(st.receivers) >= limit {
			return &ConflictError{Path: st.Path, Reason: ReasonReceiversFull, Want: limit, Got: n}
		}
		st.applyCount(n)
		st.receivers = append(st.receivers, p)
	}
	return nil
}

// promote moves a ready state through PhaseReady to PhaseTransferring.
func (r *Registry) promote(st *State) *Pairing {
	st.phase = PhaseReady
	r.timers.Cancel(st.Path)
	st.phase = PhaseTransferring
	receivers := make([]*Party, len(st.receivers))
	copy(receivers, st.receivers)
	r.logger.Debug("path paired",
		zap.String("path", st.Path),
		zap.String("pipe_id", st.ID),
		zap.Int("receivers", len(receivers)))
	return &Pairing{
		ID:        st.ID,
		Path:      st.Path,
		Sender:    st.sender,
		Receivers: receivers,
	}
}

func (r *Registry) schedule(st *State) {
	path, id := st.Path, st.ID
	r.timers.Schedule(path, r.timeout, func() {
		r.evict(path, id)
	})
}

// Ready reports whether path has its sender and all its receivers.
func (r *Registry) Ready(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[path]
	return ok && st.ready()
}

// Release removes path unconditionally. Called once a transfer ended.
func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(path)
}

func (r *Registry) drop(path string) {
	st, ok := r.states[path]
	if !ok {
		return
	}
	st.phase = PhaseClosed
	delete(r.states, path)
	r.timers.Cancel(path)
	r.msink.SetGauge(telemetry.MetricPathsActive, float32(len(r.states)))
}

// Leave withdraws a party that disconnected before its path was paired.
// It returns false when the transfer has already started, in which case
// the transfer owns the party and will finish it.
func (r *Registry) Leave(path string, p *Party) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[path]
	if !ok || !st.has(p) {
		return true
	}
	if st.phase >= PhaseTransferring {
		return false
	}
	st.remove(p)
	r.msink.IncrCounterWithLabels(telemetry.MetricPairingLeaveCount, 1,
		[]metrics.Label{telemetry.LabelRole.M(p.Role.String())})
	if st.empty() {
		r.drop(path)
	}
	return true
}

// evict drops the state id of path if it is still waiting for its
// counterpart, and tells every waiting party it timed out.
func (r *Registry) evict(path, id string) {
	r.mu.Lock()
	st, ok := r.states[path]
	if !ok || st.ID != id || st.phase >= PhaseTransferring {
		r.mu.Unlock()
		return
	}
	parties := st.parties()
	r.drop(path)
	r.mu.Unlock()

	r.msink.IncrCounter(telemetry.MetricPairingTimeoutCount, 1)
	r.logger.Info("pairing timed out",
		zap.String("path", path),
		zap.String("pipe_id", id),
		zap.Int("waiting", len(parties)))
	for _, p := range parties {
		p.Finish(ErrTimeout)
	}
}

// Snapshot returns a copy of the state of path.
func (r *Registry) Snapshot(path string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[path]
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Len returns the number of claimed paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Close rejects further claims and ends every party still waiting for a
// counterpart with ErrClosed. Running transfers are left to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var waiting []*Party
	for path, st := range r.states {
		if st.phase >= PhaseTransferring {
			continue
		}
		waiting = append(waiting, st.parties()...)
		r.drop(path)
	}
	r.mu.Unlock()

	r.timers.Stop()
	for _, p := range waiting {
		p.Finish(ErrClosed)
	}
}
