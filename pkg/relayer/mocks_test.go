package relayer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/db"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/executor"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher"
)

// MockWatcher is a watcher whose emissions are pushed by the test.
type MockWatcher struct {
	ChainValue   message.Chain
	ChainIDValue string
	StartFunc    func(ctx context.Context, cursor uint64) error

	out  chan watcher.Emission
	once sync.Once

	mu      sync.Mutex
	cursors []uint64
}

func NewMockWatcher(chain message.Chain, chainID string) *MockWatcher {
	return &MockWatcher{ChainValue: chain, ChainIDValue: chainID, out: make(chan watcher.Emission, 16)}
}

func (m *MockWatcher) Chain() message.Chain { return m.ChainValue }

func (m *MockWatcher) ChainID() string { return m.ChainIDValue }

func (m *MockWatcher) Start(ctx context.Context, cursor uint64) error {
	m.mu.Lock()
	m.cursors = append(m.cursors, cursor)
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx, cursor)
	}
	return nil
}

func (m *MockWatcher) Stop() error {
	m.once.Do(func() { close(m.out) })
	return nil
}

func (m *MockWatcher) Emissions() <-chan watcher.Emission { return m.out }

func (m *MockWatcher) State() watcher.State { return watcher.StateStreaming }

// Emit pushes e to the coordinator.
func (m *MockWatcher) Emit(e watcher.Emission) {
	m.out <- e
}

// StartCursors returns every cursor Start was called with.
func (m *MockWatcher) StartCursors() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.cursors...)
}

type cursorWrite struct {
	ChainID string
	Block   uint64
}

// MockCursorStore keeps chain state in memory and records every write.
type MockCursorStore struct {
	GetChainStateFunc func(ctx context.Context, chainID string) (*db.ChainState, error)
	SetChainStateFunc func(ctx context.Context, chainID string, block uint64) error

	mu     sync.Mutex
	state  map[string]uint64
	writes []cursorWrite
}

func NewMockCursorStore() *MockCursorStore {
	return &MockCursorStore{state: map[string]uint64{}}
}

func (m *MockCursorStore) GetChainState(ctx context.Context, chainID string) (*db.ChainState, error) {
	if m.GetChainStateFunc != nil {
		return m.GetChainStateFunc(ctx, chainID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.state[chainID]
	if !ok {
		return nil, nil
	}
	return &db.ChainState{ChainID: chainID, LastBlock: block}, nil
}

func (m *MockCursorStore) SetChainState(ctx context.Context, chainID string, block uint64, _ string) (bool, error) {
	if m.SetChainStateFunc != nil {
		if err := m.SetChainStateFunc(ctx, chainID, block); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, cursorWrite{ChainID: chainID, Block: block})
	if block <= m.state[chainID] {
		return false, nil
	}
	m.state[chainID] = block
	return true, nil
}

func (m *MockCursorStore) Writes() []cursorWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cursorWrite(nil), m.writes...)
}

// MockExecutor is a mock implementation of executor.Executor
type MockExecutor struct {
	ExecuteFunc func(ctx context.Context, action *executor.Action) (*executor.Result, error)

	mu      sync.Mutex
	actions []*executor.Action
}

func (m *MockExecutor) Execute(ctx context.Context, action *executor.Action) (*executor.Result, error) {
	m.mu.Lock()
	m.actions = append(m.actions, action)
	m.mu.Unlock()
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, action)
	}
	return &executor.Result{Reference: "ref-" + action.SourceRef}, nil
}

func (m *MockExecutor) Actions() []*executor.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*executor.Action(nil), m.actions...)
}

// MockNotifier counts wake-ups.
type MockNotifier struct {
	mu    sync.Mutex
	count int
}

func (m *MockNotifier) Notify() {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
}

func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// recordingQueue records the settlement of every delivery.
type recordingQueue struct {
	queue.Queue

	mu          sync.Mutex
	transitions []string
}

func (q *recordingQueue) record(s string) {
	q.mu.Lock()
	q.transitions = append(q.transitions, s)
	q.mu.Unlock()
}

func (q *recordingQueue) Transitions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.transitions...)
}

func (q *recordingQueue) Complete(ctx context.Context, job *queue.Job) error {
	q.record("complete")
	return q.Queue.Complete(ctx, job)
}

func (q *recordingQueue) Retry(ctx context.Context, job *queue.Job, delay time.Duration, cause string) error {
	q.record("retry")
	return q.Queue.Retry(ctx, job, delay, cause)
}

func (q *recordingQueue) Fail(ctx context.Context, job *queue.Job, cause string) error {
	q.record("fail")
	return q.Queue.Fail(ctx, job, cause)
}

func (q *recordingQueue) Requeue(ctx context.Context, id uuid.UUID) error {
	q.record("requeue")
	return q.Queue.Requeue(ctx, id)
}
