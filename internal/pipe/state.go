package pipe

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is the side a party plays on a path.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Phase is the lifecycle phase of a path.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseReady
	PhaseTransferring
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseReady:
		return "ready"
	case PhaseTransferring:
		return "transferring"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Party is one connection taking part in a path. Endpoint is the caller's
// stream handle; the registry never touches it.
type Party struct {
	ID       string
	Role     Role
	Endpoint any

	once sync.Once
	done chan error
}

// NewParty creates a party with a fresh id.
func NewParty(role Role, endpoint any) *Party {
	return &Party{
		ID:       ulid.Make().String(),
		Role:     role,
		Endpoint: endpoint,
		done:     make(chan error, 1),
	}
}

// Done yields the terminal result of the party exactly once: nil when its
// stream completed, otherwise the reason it was ended.
func (p *Party) Done() <-chan error {
	return p.done
}

// Finish records the terminal result. Only the first call has an effect.
func (p *Party) Finish(err error) {
	p.once.Do(func() {
		p.done <- err
	})
}

// State is the pairing state of one claimed path. It is only accessed
// under the registry lock.
type State struct {
	ID        string
	Path      string
	CreatedAt time.Time

	n         int
	fixed     bool
	sender    *Party
	receivers []*Party
	phase     Phase
}

func newState(path string) *State {
	return &State{
		ID:        ulid.Make().String(),
		Path:      path,
		CreatedAt: time.Now(),
		n:         1,
		phase:     PhaseOpen,
	}
}

// desired is the effective receiver count; 1 until someone specifies it.
func (s *State) desired() int {
	return s.n
}

func (s *State) ready() bool {
	return s.sender != nil && len(s.receivers) == s.desired()
}

// checkCount verifies a party-supplied count against the state. n == 0
// means the party did not specify one.
func (s *State) checkCount(n int) error {
	if n == 0 || !s.fixed || n == s.n {
		return nil
	}
	return &ConflictError{Path: s.Path, Reason: ReasonCountMismatch, Want: s.n, Got: n}
}

// capacity is the receiver limit once n is applied.
func (s *State) capacity(n int) int {
	if n > 0 && !s.fixed {
		return n
	}
	return s.n
}

func (s *State) applyCount(n int) {
	if n > 0 && !s.fixed {
		s.n = n
		s.fixed = true
	}
}

func (s *State) has(p *Party) bool {
	if s.sender == p {
		return true
	}
	for _, r := range s.receivers {
		if r == p {
			return true
		}
	}
	return false
}

func (s *State) remove(p *Party) {
	if s.sender == p {
		s.sender = nil
		return
	}
	for i, r := range s.receivers {
		if r == p {
			s.receivers = append(s.receivers[:i], s.receivers[i+1:]...)
			return
		}
	}
}

func (s *State) empty() bool {
	return s.sender == nil && len(s.receivers) == 0
}

func (s *State) parties() []*Party {
	out := make([]*Party, 0, len(s.receivers)+1)
	if s.sender != nil {
		out = append(out, s.sender)
	}
	return append(out, s.receivers...)
}

// Snapshot is a copy of a State safe to use outside the registry.
type Snapshot struct {
	ID         string
	Path       string
	Desired    int
	CountFixed bool
	HasSender  bool
	Receivers  int
	Phase      Phase
	CreatedAt  time.Time
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		ID:         s.ID,
		Path:       s.Path,
		Desired:    s.desired(),
		CountFixed: s.fixed,
		HasSender:  s.sender != nil,
		Receivers:  len(s.receivers),
		Phase:      s.phase,
		CreatedAt:  s.CreatedAt,
	}
}
