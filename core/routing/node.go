package routing

import (
	"time"

	"github.com/jayian1890/dhthunter/core/common"
)

// NodeState is the liveness classification of a routing-table member.
type NodeState int

const (
	NodeGood NodeState = iota
	NodeQuestionable
	NodeBad
)

func (s NodeState) String() string {
	switch s {
	case NodeGood:
		return "good"
	case NodeQuestionable:
		return "questionable"
	case NodeBad:
		return "bad"
	}
	return "unknown"
}

// Node is a routing-table entry. The table owns all Node values; callers get
// copies or short-lived pointers under the table lock.
type Node struct {
	ID            common.NodeID
	Endpoint      common.Endpoint
	LastSeen      time.Time
	LastReplied   time.Time
	RTT           time.Duration
	FailedQueries int
}

// goodPeriod is the last_replied window within which a node counts as good.
const goodPeriod = 15 * time.Minute

// maxFailures is the consecutive-timeout threshold for the bad state.
const maxFailures = 2

// State classifies the node at the given instant.
func (n *Node) State(now time.Time) NodeState {
	if n.FailedQueries >= maxFailures {
		return NodeBad
	}
	if n.FailedQueries == 0 && !n.LastReplied.IsZero() && now.Sub(n.LastReplied) <= goodPeriod {
		return NodeGood
	}
	return NodeQuestionable
}

// observeReply records a matched response.
func (n *Node) observeReply(now time.Time, rtt time.Duration) {
	n.LastSeen = now
	n.LastReplied = now
	n.FailedQueries = 0
	if rtt > 0 {
		if n.RTT == 0 {
			n.RTT = rtt
		} else {
			// EMA with 1/4 weight on the new sample
			n.RTT = (3*n.RTT + rtt) / 4
		}
	}
}

// observeTimeout records a transaction timeout.
func (n *Node) observeTimeout() {
	n.FailedQueries++
}

// Contact returns the node's contact triple.
func (n *Node) Contact() common.Contact {
	return common.Contact{ID: n.ID, Endpoint: n.Endpoint}
}
