package evaluator

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"claimline/internal/config"
	"claimline/internal/domain"
)

// Registry resolves a pipeline stage to its evaluator.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[domain.Stage]Evaluator
}

func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[domain.Stage]Evaluator)}
}

// FromConfig registers an HTTP proxy for every stage with a URL. Stages share
// one limiter keyed by stage name.
func FromConfig(cfg *config.Config, client *http.Client) *Registry {
	r := NewRegistry()
	limiter := NewLimiter(0, 0)
	for _, stage := range domain.Stages {
		ec, ok := cfg.Evaluator(string(stage))
		if !ok || strings.TrimSpace(ec.URL) == "" {
			continue
		}
		limiter.SetRate(string(stage), ec.RatePerSecond, ec.Burst)
		r.Register(stage, &Proxy{
			Stage:      stage,
			URL:        ec.URL,
			Task:       ec.Task,
			Timeout:    ec.Timeout,
			HTTPClient: client,
			Limiter:    limiter,
		})
	}
	return r
}

func (r *Registry) Register(stage domain.Stage, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[stage] = ev
}

// Lookup fails with evaluator_transport when nothing is registered, so an
// undiscoverable stage is handled like an unreachable one.
func (r *Registry) Lookup(stage domain.Stage) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[stage]
	if !ok {
		return nil, &domain.Error{Kind: domain.KindEvaluatorTransport, Op: "evaluator.lookup", Stage: stage, Err: errors.New("no evaluator registered")}
	}
	return ev, nil
}

// Available lists registered stages in pipeline order.
func (r *Registry) Available() []domain.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Stage
	for _, stage := range domain.Stages {
		if _, ok := r.evaluators[stage]; ok {
			out = append(out, stage)
		}
	}
	return out
}
