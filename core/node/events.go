package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jayian1890/dhthunter/core/common"
)

// EventKind enumerates the observation hooks the orchestrator exposes.
type EventKind int

const (
	EventNodeDiscovered EventKind = iota
	EventNodeAdded
	EventNodeRemoved
	EventBucketSplit
	EventLookupStarted
	EventLookupProgress
	EventLookupCompleted
	EventLookupFailed
	EventPeerDiscovered
	EventPeerAnnounced
	EventMessageSent
	EventMessageReceived
	EventMessageError
)

func (k EventKind) String() string {
	switch k {
	case EventNodeDiscovered:
		return "node_discovered"
	case EventNodeAdded:
		return "node_added"
	case EventNodeRemoved:
		return "node_removed"
	case EventBucketSplit:
		return "bucket_split"
	case EventLookupStarted:
		return "lookup_started"
	case EventLookupProgress:
		return "lookup_progress"
	case EventLookupCompleted:
		return "lookup_completed"
	case EventLookupFailed:
		return "lookup_failed"
	case EventPeerDiscovered:
		return "peer_discovered"
	case EventPeerAnnounced:
		return "peer_announced"
	case EventMessageSent:
		return "message_sent"
	case EventMessageReceived:
		return "message_received"
	case EventMessageError:
		return "message_error"
	}
	return "unknown"
}

// Severity grades an event.
type Severity int

const (
	SeverityTrace Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// Event is one observation emitted by the orchestrator. Optional fields are
// nil when not applicable.
type Event struct {
	Kind     EventKind
	Severity Severity
	Time     time.Time
	Node     *common.Contact
	InfoHash *common.InfoHash
	Peer     *common.Endpoint
	Target   *common.NodeID
	Err      error
	Detail   string
}

// Subscription is one subscriber's bounded event channel. A slow subscriber
// never blocks the core: the oldest event is dropped and counted instead.
type Subscription struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// Events returns the subscriber's channel. It is closed when the node stops.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded due to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// push delivers without blocking, dropping the oldest event on overflow.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
