package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/observability/alerting"
	"agentmarket/internal/queue"
)

type countingWorker struct {
	processed atomic.Int32
	latency   time.Duration
}

func (w *countingWorker) Run(ctx context.Context, job Job) (*Result, error) {
	if w.latency > 0 {
		select {
		case <-time.After(w.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w.processed.Add(1)
	return &Result{Data: map[string]any{"echo": job.Description}, ToolsUsed: []string{"echo"}}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func startProcessor(t *testing.T, m *Machine, q *queue.MemoryQueue, worker Worker, opts ...ProcessorOption) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	processor := NewProcessor(m, worker, q, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(cancel)
	return cancel
}

func waitStatus(t *testing.T, m *Machine, taskID string, want Status) *Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		rec, err := m.Store().Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("读取执行记录失败: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		select {
		case <-deadline:
			t.Fatalf("任务 %s 未达到 %s，当前 %s", taskID, want, rec.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	clock := newClock()
	m, q := newMachine(t, clock)
	worker := &countingWorker{latency: 5 * time.Millisecond}
	startProcessor(t, m, q, worker, WithWorkerCount(8))

	total := 40
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("t-%d", i)
		if _, _, err := m.Accept(context.Background(), accept(t, clock, id, i), AcceptRequest{TaskID: id, Description: "goal"}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}
	for i := 0; i < total; i++ {
		rec := waitStatus(t, m, fmt.Sprintf("t-%d", i), StatusDone)
		if len(rec.ToolsUsed) != 1 || rec.ToolsUsed[0] != "echo" {
			t.Fatalf("unexpected tools_used %v", rec.ToolsUsed)
		}
	}
	if int(worker.processed.Load()) != total {
		t.Fatalf("expected %d processed, got %d", total, worker.processed.Load())
	}
	if m.Vault().Len() != 0 {
		t.Fatalf("vault should be empty after all units finish, has %d", m.Vault().Len())
	}
}

func TestProcessorRedactsSecretsFromFailures(t *testing.T) {
	clock := newClock()
	m, q := newMachine(t, clock)
	alerter := &recordingAlerter{}
	worker := WorkerFunc(func(_ context.Context, job Job) (*Result, error) {
		return nil, fmt.Errorf("upstream rejected key %s", job.Secrets["api_key"])
	})
	startProcessor(t, m, q, worker, WithAlertDispatcher(alerter))

	_, _, err := m.Accept(context.Background(), accept(t, clock, "t1", 1), AcceptRequest{
		TaskID: "t1", Description: "goal", Secrets: Secrets{"api_key": "sk-leak-me"},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	rec := waitStatus(t, m, "t1", StatusFailed)
	if strings.Contains(rec.Error.Message, "sk-leak-me") {
		t.Fatalf("secret leaked into error: %q", rec.Error.Message)
	}
	if rec.Error.Type != typeExecutionFailed {
		t.Fatalf("unexpected error type %q", rec.Error.Type)
	}
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.events) != 1 || alerter.events[0].TaskID != "t1" {
		t.Fatalf("expected one alert, got %+v", alerter.events)
	}
}

func TestProcessorUsesErrorCodeAsType(t *testing.T) {
	clock := newClock()
	m, q := newMachine(t, clock)
	worker := WorkerFunc(func(context.Context, Job) (*Result, error) {
		return nil, xerrors.New(xerrors.CodeUnavailable, "model offline")
	})
	startProcessor(t, m, q, worker)

	if _, _, err := m.Accept(context.Background(), accept(t, clock, "t1", 1), AcceptRequest{TaskID: "t1", Description: "goal"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	rec := waitStatus(t, m, "t1", StatusFailed)
	if rec.Error.Type != string(xerrors.CodeUnavailable) {
		t.Fatalf("unexpected error type %q", rec.Error.Type)
	}
}

func TestProcessorRecoversPanics(t *testing.T) {
	clock := newClock()
	m, q := newMachine(t, clock)
	worker := WorkerFunc(func(context.Context, Job) (*Result, error) {
		panic("boom")
	})
	startProcessor(t, m, q, worker)

	if _, _, err := m.Accept(context.Background(), accept(t, clock, "t1", 1), AcceptRequest{TaskID: "t1", Description: "goal"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	rec := waitStatus(t, m, "t1", StatusFailed)
	if rec.Error.Type != string(xerrors.CodeExecutorFailure) {
		t.Fatalf("unexpected error type %q", rec.Error.Type)
	}
}

func TestProcessorFailsWithoutSecrets(t *testing.T) {
	clock := newClock()
	m, q := newMachine(t, clock)

	if _, _, err := m.Accept(context.Background(), accept(t, clock, "t1", 1), AcceptRequest{TaskID: "t1", Description: "goal"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	m.Vault().Drop("t1")
	worker := &countingWorker{}
	startProcessor(t, m, q, worker)

	rec := waitStatus(t, m, "t1", StatusFailed)
	if rec.Error.Type != string(CodeSecretsMissing) {
		t.Fatalf("unexpected error type %q", rec.Error.Type)
	}
	if worker.processed.Load() != 0 {
		t.Fatal("worker must not run without secrets")
	}
}

func TestProcessorDeadlineBoundsWorker(t *testing.T) {
	clock := newClock()
	m, q := newMachine(t, clock)
	worker := WorkerFunc(func(ctx context.Context, _ Job) (*Result, error) {
		clock.Advance(2 * time.Minute)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if _, _, err := m.Accept(context.Background(), accept(t, clock, "t1", 1), AcceptRequest{TaskID: "t1", Description: "goal", Complexity: "short"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// 截止前 50ms 开始执行，工作单元等待 ctx 结束。
	clock.Advance(60*time.Second - 50*time.Millisecond)
	startProcessor(t, m, q, worker)

	rec := waitStatus(t, m, "t1", StatusFailed)
	if *rec.Error != DeadlineExceeded {
		t.Fatalf("expected deadline error, got %+v", rec.Error)
	}
}
