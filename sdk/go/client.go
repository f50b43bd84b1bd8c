package claimlinesdk

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
)

// Client is a minimal claimline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Pipelines can take a while, so the
// timeout is longer than a typical API call.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  90 * time.Second,
	}
}

// Claim represents the API claim model.
type Claim struct {
	ClaimID      string  `json:"claim_id"`
	CustomerName string  `json:"customer_name"`
	BillAmount   float64 `json:"bill_amount"`
	Category     string  `json:"category"`
	Diagnosis    string  `json:"diagnosis,omitempty"`
	Status       string  `json:"status"`
	SubmitDate   string  `json:"submit_date,omitempty"`
	InFlight     bool    `json:"in_flight,omitempty"`
}

// Verdict is one evaluator result inside a decision.
type Verdict struct {
	Stage      string  `json:"stage"`
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

type Decision struct {
	ID        string    `json:"id,omitempty"`
	ClaimID   string    `json:"claim_id"`
	Outcome   string    `json:"outcome"`
	Reasoning string    `json:"reasoning"`
	Verdicts  []Verdict `json:"verdicts"`
	ErrorKind string    `json:"error_kind,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	DecidedAt string    `json:"decided_at"`
}

// Reply is the answer to one operator message.
type Reply struct {
	SessionID            string    `json:"session_id"`
	Kind                 string    `json:"kind"`
	Message              string    `json:"message"`
	State                string    `json:"state"`
	ClaimID              string    `json:"claim_id,omitempty"`
	Claim                *Claim    `json:"claim,omitempty"`
	Decision             *Decision `json:"decision,omitempty"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	ErrorKind            string    `json:"error_kind,omitempty"`
	Timestamp            string    `json:"timestamp"`
	Operator             string    `json:"operator,omitempty"`
}

type Session struct {
	SessionID           string    `json:"session_id"`
	State               string    `json:"state"`
	PendingClaimID      string    `json:"pending_claim_id,omitempty"`
	PendingConfirmation bool      `json:"pending_confirmation"`
	Claim               *Claim    `json:"claim,omitempty"`
	LastDecision        *Decision `json:"last_decision,omitempty"`
	UpdatedAt           string    `json:"updated_at,omitempty"`
}

// Step represents a workflow log entry.
type Step struct {
	ID        int64          `json:"id"`
	Ordinal   int64          `json:"ordinal"`
	ClaimID   string         `json:"claim_id"`
	StepType  string         `json:"step_type"`
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	AgentName string         `json:"agent_name,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// PaginatedSteps wraps list responses with cursors.
type PaginatedSteps struct {
	Items      []Step `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Reply is set when the server rejected a message but still produced a reply.
	Reply *Reply
	Body  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendMessage posts one operator message. An empty sessionID lets the server pick one.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (Reply, error) {
	body := map[string]any{"message": message}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp Reply
	err := c.do(ctx, http.MethodPost, "messages", body, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// ClearSession forgets a session and reports whether anything was stored.
func (c *Client) ClearSession(ctx context.Context, sessionID string) (bool, error) {
	var resp struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "sessions/"+url.PathEscape(sessionID), nil, &resp)
	return resp.Removed, err
}

func (c *Client) Claim(ctx context.Context, claimID string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodGet, "claims/"+url.PathEscape(claimID), nil, &resp)
	return resp, err
}

// ClaimSteps returns the ordered workflow log of one claim.
func (c *Client) ClaimSteps(ctx context.Context, claimID string) ([]Step, error) {
	var resp struct {
		Items []Step `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("claims/%s/steps", url.PathEscape(claimID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) Decisions(ctx context.Context, claimID string) ([]Decision, error) {
	var resp struct {
		Items []Decision `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("claims/%s/decisions", url.PathEscape(claimID)), nil, &resp)
	return resp.Items, err
}

// StepsPage returns a page of recent steps across claims.
func (c *Client) StepsPage(ctx context.Context, limit int, cursor string) (PaginatedSteps, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "steps"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedSteps
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apiErr
	}
	apiErr.Code = envelope.Error.Code
	apiErr.Message = envelope.Error.Message
	var details struct {
		Reply *Reply `json:"reply"`
	}
	if len(envelope.Error.Details) > 0 && json.Unmarshal(envelope.Error.Details, &details) == nil {
		apiErr.Reply = details.Reply
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
