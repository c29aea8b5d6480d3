package pipeline

import (
	"sort"
	"sync"
	"time"
)

// PendingApproval describes an approval node waiting for a decision.
type PendingApproval struct {
	RunID         string         `json:"runId"`
	PipelineID    string         `json:"pipelineId"`
	NodeID        string         `json:"nodeId"`
	Prompt        string         `json:"prompt,omitempty"`
	DefaultAction ApprovalAction `json:"defaultAction,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	RequestedAt   time.Time      `json:"requestedAt"`
}

type approvalKey struct {
	runID, nodeID string
}

type pendingApproval struct {
	info PendingApproval
	ch   chan bool
}

// approvalBroker routes decisions to waiting approval nodes.
type approvalBroker struct {
	mu      sync.Mutex
	pending map[approvalKey]*pendingApproval
}

func newApprovalBroker() *approvalBroker {
	return &approvalBroker{pending: make(map[approvalKey]*pendingApproval)}
}

// register records a pending approval. The returned release func must be
// called when the waiter stops waiting.
func (b *approvalBroker) register(info PendingApproval) (<-chan bool, func()) {
	key := approvalKey{info.RunID, info.NodeID}
	p := &pendingApproval{info: info, ch: make(chan bool, 1)}
	b.mu.Lock()
	b.pending[key] = p
	b.mu.Unlock()
	return p.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.pending[key] == p {
			delete(b.pending, key)
		}
	}
}

// deliver hands a decision to the waiter and reports whether one was pending.
func (b *approvalBroker) deliver(runID, nodeID string, approved bool) bool {
	key := approvalKey{runID, nodeID}
	b.mu.Lock()
	p, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- approved
	return true
}

func (b *approvalBroker) list() []PendingApproval {
	b.mu.Lock()
	out := make([]PendingApproval, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.info)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].RunID+out[i].NodeID < out[j].RunID+out[j].NodeID
	})
	return out
}

func (b *approvalBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
