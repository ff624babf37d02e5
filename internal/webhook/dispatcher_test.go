package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/queue"
)

type received struct {
	body      []byte
	signature string
	event     string
}

type recorder struct {
	mu       sync.Mutex
	requests []received
	fail     atomic.Int32
	status   int
}

func (r *recorder) handler(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, received{body: body, signature: req.Header.Get(SignatureHeader), event: req.Header.Get("X-Market-Event")})
	r.mu.Unlock()
	if r.fail.Load() > 0 {
		r.fail.Add(-1)
		w.WriteHeader(r.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func startDispatcher(t *testing.T, subs SubscriptionStore, opts ...Option) *Dispatcher {
	t.Helper()
	q := queue.NewMemoryQueue(16)
	base := []Option{WithJitter(func(int64) int64 { return 0 }), WithRateLimit(0, 0)}
	d, err := NewDispatcher(subs, q, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = q.Close()
	})
	return d
}

func TestDispatcherDeliversSignedEvents(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	other := &recorder{}
	otherSrv := httptest.NewServer(http.HandlerFunc(other.handler))
	defer otherSrv.Close()

	subs, err := NewMemorySubscriptionStore(
		&Subscription{TargetURL: srv.URL, Events: []string{"execution.*"}, Secret: "whsec"},
		&Subscription{TargetURL: otherSrv.URL, Events: []string{EventAgentRegistered}},
	)
	require.NoError(t, err)
	d := startDispatcher(t, subs)

	event := NewEvent(EventExecutionDone, "task-1", "done", map[string]any{"execution_time_ms": 12})
	d.Notify(context.Background(), event)

	require.Eventually(t, func() bool { return d.Stats().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rec.count())
	require.Zero(t, other.count())

	got := rec.requests[0]
	assert.Equal(t, EventExecutionDone, got.event)
	assert.True(t, VerifySignature("whsec", got.body, got.signature))

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, "execution.done", body["event_type"])
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, "done", body["status"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, Stats{Published: 1, Delivered: 1}, d.Stats())
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	rec := &recorder{status: http.StatusBadGateway}
	rec.fail.Store(2)
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	subs, err := NewMemorySubscriptionStore(&Subscription{TargetURL: srv.URL})
	require.NoError(t, err)
	d := startDispatcher(t, subs)

	d.Notify(context.Background(), NewEvent(EventTaskCreated, "task-2", "open", nil))

	require.Eventually(t, func() bool { return d.Stats().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Zero(t, stats.Abandoned)
	assert.Equal(t, 3, rec.count())
}

func TestDispatcherAbandonsAfterMaxAttempts(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError}
	rec.fail.Store(100)
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	subs, err := NewMemorySubscriptionStore(&Subscription{TargetURL: srv.URL})
	require.NoError(t, err)
	d := startDispatcher(t, subs, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	d.Notify(context.Background(), NewEvent(EventExecutionFailed, "task-3", "failed", nil))

	require.Eventually(t, func() bool { return d.Stats().Abandoned == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, rec.count())
	assert.Equal(t, int64(2), d.Stats().Retried)
	assert.Zero(t, d.Stats().Delivered)
}

func TestDispatcherNotifySurvivesCancelledContext(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	subs, err := NewMemorySubscriptionStore(&Subscription{TargetURL: srv.URL})
	require.NoError(t, err)
	d := startDispatcher(t, subs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, NewEvent(EventAgentRegistered, "", "", nil))

	require.Eventually(t, func() bool { return d.Stats().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherCountsDeliveriesDroppedAtShutdown(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	subs, err := NewMemorySubscriptionStore(&Subscription{TargetURL: srv.URL})
	require.NoError(t, err)
	listed, err := subs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)

	q := queue.NewMemoryQueue(1)
	defer q.Close()
	d, err := NewDispatcher(subs, q, WithRateLimit(1, 1))
	require.NoError(t, err)

	message, err := json.Marshal(Delivery{ID: "d1", SubscriptionID: listed[0].ID, Event: NewEvent(EventTaskCreated, "task-9", "open", nil)})
	require.NoError(t, err)

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	d.handle(context.Background(), stopped, string(message))

	assert.Equal(t, int64(1), d.Stats().Abandoned)
	assert.Zero(t, rec.count())
}

func TestRetryPolicyCeiling(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 10: 5 * time.Second}
	for attempt, want := range cases {
		assert.Equal(t, want, policy.Ceiling(attempt), "attempt %d", attempt)
	}

	for i := 0; i < 50; i++ {
		got := policy.Backoff(3, nil)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.LessOrEqual(t, got, 4*time.Second)
	}
}

func TestSubscriptionMatching(t *testing.T) {
	cases := []struct {
		events []string
		event  string
		want   bool
	}{
		{nil, EventTaskCreated, true},
		{[]string{"task.*"}, "task.claimed", true},
		{[]string{"task.*"}, EventExecutionDone, false},
		{[]string{EventExecutionDone}, EventExecutionDone, true},
		{[]string{"*"}, EventAlertRaised, true},
	}
	for _, tc := range cases {
		sub := &Subscription{Events: tc.events}
		assert.Equal(t, tc.want, sub.Matches(tc.event), "%v vs %s", tc.events, tc.event)
	}
}

func TestSubscriptionStoreValidatesAndHidesSecret(t *testing.T) {
	store, err := NewMemorySubscriptionStore()
	require.NoError(t, err)

	_, err = store.Add(context.Background(), &Subscription{TargetURL: "ftp://example.com"})
	require.Error(t, err)

	sub, err := store.Add(context.Background(), &Subscription{TargetURL: "https://hooks.example.com/x", Secret: "whsec-hidden"})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	encoded, err := json.Marshal(sub)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(encoded), "whsec-hidden"))

	delivery, err := json.Marshal(Delivery{SubscriptionID: sub.ID, TargetURL: sub.TargetURL})
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(delivery), "whsec-hidden"))
}
