package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"claimline/internal/domain"
)

// HTTP reads claims from a remote claim service.
type HTTP struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: timeout}, Timeout: timeout}
}

func (g *HTTP) ReadByID(ctx context.Context, claimID string) (domain.Claim, error) {
	var c domain.Claim
	status, err := g.do(ctx, http.MethodGet, "claims/"+url.PathEscape(claimID), nil, &c)
	if status == http.StatusNotFound {
		return c, notFound("gateway.read", claimID)
	}
	if err != nil {
		return c, fmt.Errorf("gateway read %s: %w", claimID, err)
	}
	return c, nil
}

func (g *HTTP) UpdateStatus(ctx context.Context, claimID, status string) error {
	code, err := g.do(ctx, http.MethodPatch, "claims/"+url.PathEscape(claimID)+"/status", map[string]string{"status": status}, nil)
	if code == http.StatusNotFound {
		return notFound("gateway.update_status", claimID)
	}
	if err != nil {
		return fmt.Errorf("gateway update %s: %w", claimID, err)
	}
	return nil
}

func (g *HTTP) do(ctx context.Context, method, endpoint string, body any, out any) (int, error) {
	client := g.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: g.Timeout}
	}
	target := strings.TrimRight(g.BaseURL, "/") + "/" + endpoint
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
