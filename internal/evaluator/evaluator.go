// Package evaluator talks to the coverage, document and intake evaluators over
// one uniform JSON-over-HTTP contract.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"claimline/internal/domain"
)

var tracer = otel.Tracer("claimline/evaluator")

// Evaluator judges one claim snapshot for a single pipeline stage.
// Errors are *domain.Error of kind evaluator_timeout or evaluator_transport.
type Evaluator interface {
	Evaluate(ctx context.Context, claim domain.Claim) (domain.Verdict, error)
}

// Func adapts a plain function to Evaluator.
type Func func(ctx context.Context, claim domain.Claim) (domain.Verdict, error)

func (f Func) Evaluate(ctx context.Context, claim domain.Claim) (domain.Verdict, error) {
	return f(ctx, claim)
}

// Request is the body POSTed to every evaluator.
type Request struct {
	ClaimSnapshot   domain.Claim `json:"claim_snapshot"`
	TaskDescription string       `json:"task_description"`
	Stage           domain.Stage `json:"stage"`
}

// Response is the evaluator envelope. Payload is decoded per stage.
type Response struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload"`
	Summary string          `json:"summary"`
}

// APIError wraps non-2xx evaluator responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("evaluator error: status=%d body=%s", e.StatusCode, e.Body)
}

// Proxy is the HTTP client for one evaluator endpoint.
type Proxy struct {
	Stage      domain.Stage
	URL        string
	Task       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Limiter    *Limiter
}

// Evaluate POSTs the snapshot and decodes the stage payload into a verdict.
// A fail verdict is a normal return, not an error.
func (p *Proxy) Evaluate(ctx context.Context, claim domain.Claim) (domain.Verdict, error) {
	ctx, span := tracer.Start(ctx, "evaluator.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("evaluator.stage", string(p.Stage)),
		attribute.String("claim.id", claim.ClaimID),
	)
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := p.call(ctx, claim)
	if err != nil {
		span.RecordError(err)
		return domain.Verdict{}, p.classify(err)
	}
	if strings.EqualFold(resp.Status, "error") {
		err := &domain.Error{Kind: domain.KindEvaluatorTransport, Op: "evaluator.call", Stage: p.Stage, Err: errors.New(nonEmpty(resp.Summary, "evaluator reported error"))}
		span.RecordError(err)
		return domain.Verdict{}, err
	}
	verdict, err := Decode(p.Stage, resp)
	if err != nil {
		span.RecordError(err)
		return domain.Verdict{}, &domain.Error{Kind: domain.KindEvaluatorTransport, Op: "evaluator.decode", Stage: p.Stage, Err: err}
	}
	verdict.DurationMS = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.String("evaluator.outcome", string(verdict.Outcome)))
	return verdict, nil
}

func (p *Proxy) call(ctx context.Context, claim domain.Claim) (Response, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx, string(p.Stage)); err != nil {
			return Response{}, err
		}
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(Request{ClaimSnapshot: claim, TaskDescription: p.Task, Stage: p.Stage}); err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, &buf)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Response{}, &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (p *Proxy) classify(err error) *domain.Error {
	kind := domain.KindEvaluatorTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = domain.KindEvaluatorTimeout
	}
	return &domain.Error{Kind: kind, Op: "evaluator.call", Stage: p.Stage, Err: err}
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
