package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/config"
	"claimline/internal/domain"
	"claimline/internal/logging"
)

type recordingSink struct {
	mu    sync.Mutex
	steps []domain.WorkflowStep
	err   error
	block chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, step domain.WorkflowStep) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

func TestPublisherDeliversInOrderAndSwallowsErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("dashboard down")}
	ok := &recordingSink{}
	p := NewPublisher(Options{Logger: logging.Discard()}, failing, ok)
	for i := 1; i <= 5; i++ {
		p.Publish(domain.WorkflowStep{ClaimID: "OP-1", Ordinal: int64(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	require.Equal(t, 5, ok.count())
	require.Equal(t, 5, failing.count())
	for i, s := range ok.steps {
		assert.Equal(t, int64(i+1), s.Ordinal)
	}
	// publishing after close is a no-op
	p.Publish(domain.WorkflowStep{ClaimID: "OP-1"})
}

func TestPublisherNeverBlocks(t *testing.T) {
	slow := &recordingSink{block: make(chan struct{})}
	p := NewPublisher(Options{QueueSize: 1, Timeout: 50 * time.Millisecond, Logger: logging.Discard()}, slow)
	start := time.Now()
	for i := 0; i < 50; i++ {
		p.Publish(domain.WorkflowStep{ClaimID: "OP-2", Ordinal: int64(i)})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	close(slow.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestWebhookSink(t *testing.T) {
	var got domain.WorkflowStep
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	step := domain.WorkflowStep{ID: 7, ClaimID: "OP-3", Ordinal: 2, StepType: domain.StepResponse, Status: domain.StepCompleted}
	require.NoError(t, sink.Deliver(context.Background(), step))
	assert.Equal(t, "OP-3", got.ClaimID)
	assert.Equal(t, "response", headers.Get("X-Claimline-Event"))
	assert.Equal(t, "7", headers.Get("X-Claimline-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Claimline-Secret"))
}

func TestWebhookSinkFilterAndStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Events: []string{"decision"}})
	require.NoError(t, sink.Deliver(context.Background(), domain.WorkflowStep{StepType: domain.StepDispatch}))
	assert.Equal(t, 0, calls)
	err := sink.Deliver(context.Background(), domain.WorkflowStep{StepType: domain.StepDecision})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	disabled := false
	sinks := WebhookSinks([]config.WebhookConfig{{URL: srv.URL}, {URL: srv.URL, Enabled: &disabled}, {URL: " "}})
	assert.Len(t, sinks, 1)
}

func TestHubStreamsStepsForClaim(t *testing.T) {
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?claim_id=OP-5"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Deliver(context.Background(), domain.WorkflowStep{ClaimID: "OP-6", Ordinal: 1}))
	require.NoError(t, hub.Deliver(context.Background(), domain.WorkflowStep{ClaimID: "OP-5", Ordinal: 4}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var step domain.WorkflowStep
	require.NoError(t, conn.ReadJSON(&step))
	assert.Equal(t, "OP-5", step.ClaimID)
	assert.Equal(t, int64(4), step.Ordinal)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
}
