package pipeline

import (
	"context"
	"sync"
	"time"
)

// NodeStatus is the per-run lifecycle state of a node.
type NodeStatus string

const (
	StatusIdle      NodeStatus = "idle"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusWaiting   NodeStatus = "waiting"
)

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPaused    RunStatus = "paused"
)

// NodeState is the per-run record of one node.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	Attempt     int        `json:"attempt"`
}

// LogLevel is the severity of a run log line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of a run's execution log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	NodeID  string    `json:"nodeId,omitempty"`
	Message string    `json:"message"`
}

// PipelineContext is the mutable state of one run: the shared data map,
// node states, logs and run status. All access goes through one mutex.
type PipelineContext struct {
	mu sync.RWMutex

	pipelineID  string
	runID       string
	parentRunID string
	depth       int
	now         func() time.Time

	data      map[string]any
	nodes     map[string]*NodeState
	skippedBy map[string]string
	logs      []LogEntry

	status       RunStatus
	err          error
	failedNodeID string
	startedAt    time.Time
	completedAt  time.Time
	finished     bool
	aborted      bool
	done         chan struct{}
	doneOnce     sync.Once

	paused bool
	resume chan struct{}
}

// NewPipelineContext creates an empty running context.
func NewPipelineContext(pipelineID, runID string) *PipelineContext {
	return &PipelineContext{
		pipelineID: pipelineID,
		runID:      runID,
		now:        time.Now,
		data:       make(map[string]any),
		nodes:      make(map[string]*NodeState),
		skippedBy:  make(map[string]string),
		status:     RunRunning,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// reset puts every node of def back to idle.
func (c *PipelineContext) reset(def *Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[string]*NodeState, len(def.Nodes))
	for _, n := range def.Nodes {
		c.nodes[n.ID] = &NodeState{Status: StatusIdle}
	}
	c.skippedBy = make(map[string]string)
}

func (c *PipelineContext) PipelineID() string  { return c.pipelineID }
func (c *PipelineContext) RunID() string       { return c.runID }
func (c *PipelineContext) ParentRunID() string { return c.parentRunID }

// ─── shared data ──────────────────────────────────────────────────────────────

// Set stores a value under key.
func (c *PipelineContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get retrieves a value by key.
func (c *PipelineContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetString retrieves a string value, returning "" if not found or not a string.
func (c *PipelineContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Data returns a deep copy of the shared data map. Nested maps and slices
// in the copy can be modified without affecting the run.
func (c *PipelineContext) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.data)
}

// Merge copies all key-value pairs from src into the data map (last-write-wins).
func (c *PipelineContext) Merge(src map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range src {
		c.data[k] = v
	}
}

// Resolve reads a dotted path from the shared data.
func (c *PipelineContext) Resolve(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ResolvePath(c.data, path)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ─── node states ──────────────────────────────────────────────────────────────

// NodeState returns a copy of the state of nodeID.
func (c *PipelineContext) NodeState(nodeID string) (NodeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.nodes[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return *st, true
}

// NodeStatus returns the status of nodeID, or StatusIdle when unknown.
func (c *PipelineContext) NodeStatus(nodeID string) NodeStatus {
	st, ok := c.NodeState(nodeID)
	if !ok {
		return StatusIdle
	}
	return st.Status
}

// NodeStates returns a copy of every node's state keyed by node id.
func (c *PipelineContext) NodeStates() map[string]NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]NodeState, len(c.nodes))
	for id, st := range c.nodes {
		out[id] = *st
	}
	return out
}

// claim moves nodeID from idle to running. A skipped node is revived when
// reached from a predecessor other than the condition that skipped it.
// It reports false when the node must not run again.
func (c *PipelineContext) claim(nodeID, from string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	switch st.Status {
	case StatusIdle:
	case StatusSkipped:
		if from == "" || from == c.skippedBy[nodeID] {
			return false
		}
		delete(c.skippedBy, nodeID)
	default:
		return false
	}
	st.Status = StatusRunning
	st.StartedAt = c.now()
	st.CompletedAt = time.Time{}
	st.Error = ""
	if st.Attempt == 0 {
		st.Attempt = 1
	}
	return true
}

func (c *PipelineContext) state(nodeID string) *NodeState {
	st, ok := c.nodes[nodeID]
	if !ok {
		st = &NodeState{Status: StatusIdle}
		c.nodes[nodeID] = st
	}
	return st
}

// transition moves attempt of nodeID from one status to another. It reports
// false when the node is not in the from status or has moved on to another
// attempt.
func (c *PipelineContext) transition(nodeID string, attempt int, from, to NodeStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	if st.Status != from || st.Attempt != attempt {
		return false
	}
	st.Status = to
	return true
}

func (c *PipelineContext) complete(nodeID string, result any) NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Status = StatusCompleted
	st.Result = result
	st.CompletedAt = c.now()
	return *st
}

// fail marks nodeID failed. A partial result returned alongside the error is kept.
func (c *PipelineContext) fail(nodeID string, result any, err error) NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Status = StatusFailed
	st.Result = result
	st.Error = err.Error()
	st.CompletedAt = c.now()
	return *st
}

// retry returns nodeID to idle for another attempt and returns the new attempt number.
func (c *PipelineContext) retry(nodeID string, err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Status = StatusIdle
	st.Error = err.Error()
	st.Attempt++
	return st.Attempt
}

// rewind returns settled nodes to idle so they run again from their first
// attempt. Nodes still in flight or skipped are left alone.
func (c *PipelineContext) rewind(nodeIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range nodeIDs {
		st := c.state(id)
		if st.Status != StatusCompleted && st.Status != StatusFailed {
			continue
		}
		*st = NodeState{Status: StatusIdle}
	}
}

// skip marks an idle node skipped on behalf of by. It reports false when the
// node has already left idle.
func (c *PipelineContext) skip(nodeID, by string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	if st.Status != StatusIdle {
		return false
	}
	st.Status = StatusSkipped
	st.CompletedAt = c.now()
	c.skippedBy[nodeID] = by
	return true
}

// ─── logs ─────────────────────────────────────────────────────────────────────

// Log appends a line to the run log.
func (c *PipelineContext) Log(level LogLevel, nodeID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, LogEntry{Time: c.now(), Level: level, NodeID: nodeID, Message: msg})
}

// Logs returns a copy of the run log.
func (c *PipelineContext) Logs() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]LogEntry(nil), c.logs...)
}

// ─── run status ───────────────────────────────────────────────────────────────

// Status returns the run status.
func (c *PipelineContext) Status() RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns the error that failed the run, or nil.
func (c *PipelineContext) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// FailedNodeID returns the id of the node that failed the run.
func (c *PipelineContext) FailedNodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failedNodeID
}

// Done is closed when the run reaches a terminal status.
func (c *PipelineContext) Done() <-chan struct{} { return c.done }

// Wait blocks until the run finishes or ctx is done.
func (c *PipelineContext) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort records the first terminal node failure. Later calls are no-ops.
func (c *PipelineContext) abort(nodeID string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted || c.finished {
		return false
	}
	c.aborted = true
	c.err = err
	c.failedNodeID = nodeID
	return true
}

func (c *PipelineContext) isAborted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aborted
}

// finish sets the terminal status once. It reports false if the run had
// already finished. Done is not closed until release is called.
func (c *PipelineContext) finish(status RunStatus, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	c.status = status
	if err != nil && c.err == nil {
		c.err = err
	}
	c.completedAt = c.now()
	if c.paused {
		c.paused = false
		close(c.resume)
	}
	return true
}

// release closes Done.
func (c *PipelineContext) release() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ─── pause gate ───────────────────────────────────────────────────────────────

func (c *PipelineContext) pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.paused {
		return ErrInvalidRunState
	}
	c.paused = true
	c.status = RunPaused
	c.resume = make(chan struct{})
	return nil
}

func (c *PipelineContext) unpause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || !c.paused {
		return ErrInvalidRunState
	}
	c.paused = false
	c.status = RunRunning
	close(c.resume)
	return nil
}

// waitIfPaused blocks while the run is paused.
func (c *PipelineContext) waitIfPaused(ctx context.Context) error {
	for {
		c.mu.RLock()
		paused, ch := c.paused, c.resume
		c.mu.RUnlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ─── snapshot ─────────────────────────────────────────────────────────────────

// RunSnapshot is a point-in-time, JSON-friendly copy of a run.
type RunSnapshot struct {
	RunID        string               `json:"runId"`
	PipelineID   string               `json:"pipelineId"`
	ParentRunID  string               `json:"parentRunId,omitempty"`
	Status       RunStatus            `json:"status"`
	Data         map[string]any       `json:"data"`
	Nodes        map[string]NodeState `json:"nodes"`
	Logs         []LogEntry           `json:"logs"`
	StartedAt    time.Time            `json:"startedAt"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
	Error        string               `json:"error,omitempty"`
	FailedNodeID string               `json:"failedNodeId,omitempty"`
}

// Snapshot returns a copy of the whole run.
func (c *PipelineContext) Snapshot() RunSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := RunSnapshot{
		RunID:        c.runID,
		PipelineID:   c.pipelineID,
		ParentRunID:  c.parentRunID,
		Status:       c.status,
		Data:         cloneMap(c.data),
		Nodes:        make(map[string]NodeState, len(c.nodes)),
		Logs:         append([]LogEntry(nil), c.logs...),
		StartedAt:    c.startedAt,
		FailedNodeID: c.failedNodeID,
	}
	for id, st := range c.nodes {
		snap.Nodes[id] = *st
	}
	if c.finished {
		at := c.completedAt
		snap.CompletedAt = &at
	}
	if c.err != nil {
		snap.Error = c.err.Error()
	}
	return snap
}
