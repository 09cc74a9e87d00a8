package p2p

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	BanThreshold       = 100
	ThrottleThreshold  = 50
	ThrottleDelay      = 500 * time.Millisecond
	BanDurationDefault = 24 * time.Hour

	// scoreDecayPerMinute ages out occasional slips.
	scoreDecayPerMinute = 1
)

// PeerID identifies a connection for the lifetime of the process.
type PeerID uint64

func (id PeerID) String() string {
	return fmt.Sprintf("peer-%d", uint64(id))
}

// Violation is a classified piece of peer misbehavior.
type Violation int

const (
	ViolationNone Violation = iota
	ViolationDecode
	ViolationIndexOutOfRange
	ViolationMerkleMismatch
	ViolationShortResponse
	ViolationInvalidBlock
	ViolationHashMismatch
	ViolationTimeout
	ViolationStaleAnnouncement
	// ViolationFraming covers envelope-level errors; the envelope decides
	// the score delta.
	ViolationFraming
)

var violationNames = map[Violation]string{
	ViolationNone:              "none",
	ViolationDecode:            "decode",
	ViolationIndexOutOfRange:   "index-out-of-range",
	ViolationMerkleMismatch:    "merkle-mismatch",
	ViolationShortResponse:     "short-response",
	ViolationInvalidBlock:      "invalid-block",
	ViolationHashMismatch:      "hash-mismatch",
	ViolationTimeout:           "timeout",
	ViolationStaleAnnouncement: "stale-announcement",
	ViolationFraming:           "framing",
}

func (v Violation) String() string {
	if s, ok := violationNames[v]; ok {
		return s
	}
	return fmt.Sprintf("violation(%d)", int(v))
}

type Severity int

const (
	SeverityBenign Severity = iota
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "benign"
}

// violationScores weighs each violation. A fatal one reaches BanThreshold
// alone; the benign ones are recorded for the log only.
var violationScores = map[Violation]int{
	ViolationDecode:            BanThreshold,
	ViolationIndexOutOfRange:   BanThreshold,
	ViolationMerkleMismatch:    BanThreshold,
	ViolationShortResponse:     BanThreshold,
	ViolationInvalidBlock:      BanThreshold,
	ViolationHashMismatch:      0,
	ViolationTimeout:           0,
	ViolationStaleAnnouncement: 0,
}

// Severity reports whether v can only come from a broken or hostile peer.
func (v Violation) Severity() Severity {
	if v.Score() >= BanThreshold {
		return SeverityFatal
	}
	return SeverityBenign
}

// Score is the ban score added for v.
func (v Violation) Score() int {
	return violationScores[v]
}

// ClassifyError maps an error kind from this package to a violation. Errors
// of unknown kind classify as ViolationNone.
func ClassifyError(err error) Violation {
	switch {
	case err == nil:
		return ViolationNone
	case errors.Is(err, ErrIndexOutOfRange):
		return ViolationIndexOutOfRange
	case errors.Is(err, ErrDecode):
		return ViolationDecode
	case errors.Is(err, ErrMerkleMismatch):
		return ViolationMerkleMismatch
	case errors.Is(err, ErrShortResponse):
		return ViolationShortResponse
	case errors.Is(err, ErrHashMismatch):
		return ViolationHashMismatch
	case errors.Is(err, ErrTimeout):
		return ViolationTimeout
	default:
		return ViolationNone
	}
}

// Action tells the transport what to do with a peer after a violation.
type Action struct {
	Disconnect bool
	Ban        bool
	Score      int
}

// BanPolicy keeps a decaying score per peer and turns violations into
// actions. Protected peers are disconnected on fatal violations but never
// banned.
type BanPolicy struct {
	mu        sync.Mutex
	scores    map[PeerID]*peerScore
	protected map[PeerID]bool
	now       func() time.Time
}

func NewBanPolicy(now func() time.Time) *BanPolicy {
	if now == nil {
		now = time.Now
	}
	return &BanPolicy{
		scores:    make(map[PeerID]*peerScore),
		protected: make(map[PeerID]bool),
		now:       now,
	}
}

func (p *BanPolicy) Protect(id PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected[id] = true
}

// Record applies v to the peer's score.
func (p *BanPolicy) Record(id PeerID, v Violation) Action {
	return p.add(id, v.Score(), v.Severity() == SeverityFatal)
}

// AddScore applies an explicit delta, used for envelope errors that carry
// their own weight.
func (p *BanPolicy) AddScore(id PeerID, delta int, disconnect bool) Action {
	return p.add(id, delta, disconnect)
}

func (p *BanPolicy) Score(id PeerID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.scores[id]; ok {
		return s.at(p.now())
	}
	return 0
}

// Throttled reports whether the peer's messages should be slowed down.
func (p *BanPolicy) Throttled(id PeerID) bool {
	return p.Score(id) >= ThrottleThreshold
}

// Forget drops all state for a disconnected peer.
func (p *BanPolicy) Forget(id PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scores, id)
	delete(p.protected, id)
}

func (p *BanPolicy) add(id PeerID, delta int, disconnect bool) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scores[id]
	if !ok {
		s = &peerScore{}
		p.scores[id] = s
	}
	score := s.add(p.now(), delta)
	over := score >= BanThreshold
	return Action{
		Disconnect: disconnect || over,
		Ban:        over && !p.protected[id],
		Score:      score,
	}
}

// peerScore loses scoreDecayPerMinute points for every whole minute since
// it last changed, never dropping below zero.
type peerScore struct {
	points  int
	updated time.Time
}

func (s *peerScore) at(now time.Time) int {
	switch {
	case s.updated.IsZero(), now.Before(s.updated):
		s.updated = now
	default:
		if minutes := int(now.Sub(s.updated) / time.Minute); minutes > 0 {
			s.points = max(0, s.points-minutes*scoreDecayPerMinute)
			s.updated = s.updated.Add(time.Duration(minutes) * time.Minute)
		}
	}
	return s.points
}

func (s *peerScore) add(now time.Time, delta int) int {
	s.points = max(0, s.at(now)+delta)
	return s.points
}
