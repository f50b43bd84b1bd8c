package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"claimline/internal/config"
	"claimline/internal/domain"
)

// WebhookSink POSTs each step as JSON to a dashboard endpoint.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
	filter stepFilter
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	return &WebhookSink{
		URL:    hook.URL,
		Secret: hook.Secret,
		Client: &http.Client{},
		filter: newStepFilter(hook.Events),
	}
}

// WebhookSinks builds sinks for every enabled hook.
func WebhookSinks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return sinks
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, step domain.WorkflowStep) error {
	if !w.filter.match(string(step.StepType)) {
		return nil
	}
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Claimline-Event", string(step.StepType))
	req.Header.Set("X-Claimline-Delivery", fmt.Sprintf("%d", step.ID))
	req.Header.Set("X-Claimline-Claim", step.ClaimID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Claimline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type stepFilter struct {
	all bool
	set map[string]struct{}
}

func newStepFilter(types []string) stepFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return stepFilter{all: true}
	}
	return stepFilter{set: set}
}

func (f stepFilter) match(stepType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[stepType]
	return ok
}
