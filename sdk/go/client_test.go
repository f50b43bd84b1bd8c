package claimlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMessageAndAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["session_id"] != "s1" || body["message"] != "yes" {
			t.Errorf("unexpected body %v", body)
		}
		io.WriteString(w, `{"session_id":"s1","kind":"decision","state":"terminal_approved","decision":{"claim_id":"OP-1","outcome":"APPROVED"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	reply, err := c.SendMessage(context.Background(), "s1", "yes")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Decision == nil || reply.Decision.Outcome != "APPROVED" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestAPIErrorCarriesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"session_busy","message":"busy","details":{"reply":{"session_id":"s1","kind":"error","message":"Still processing claim OP-1."}}}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).SendMessage(context.Background(), "s1", "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "session_busy" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Reply == nil || apiErr.Reply.Kind != "error" {
		t.Fatalf("expected reply in error details, got %+v", apiErr.Reply)
	}
}

func TestStepsPageEncodesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/steps" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("cursor"); got != "2026-01-01T00:00:00.000000000Z|7" {
			t.Errorf("unexpected cursor %q", got)
		}
		io.WriteString(w, `{"items":[{"id":6,"claim_id":"OP-1","step_type":"response"}],"next_cursor":""}`)
	}))
	defer srv.Close()

	page, err := New(srv.URL).StepsPage(context.Background(), 1, "2026-01-01T00:00:00.000000000Z|7")
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("unexpected page %+v", page)
	}
}
