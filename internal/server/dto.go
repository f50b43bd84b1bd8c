package server

import (
	"claimline/internal/domain"
	"claimline/internal/engine"
)

// Request payloads

type MessageRequest struct {
	SessionID string `json:"session_id,omitempty" doc:"Operator session; generated when empty"`
	Message   string `json:"message" minLength:"1" example:"Process claim with OP-1001"`
}

// Response payloads

type MessageResponse struct {
	engine.Reply
	Operator string `json:"operator,omitempty"`
}

type SessionResponse struct {
	engine.Status
}

type ClearSessionResponse struct {
	SessionID string `json:"session_id"`
	Removed   bool   `json:"removed"`
}

type ClaimResponse struct {
	domain.Claim
	InFlight bool `json:"in_flight"`
}

type StepsResponse struct {
	ClaimID string                `json:"claim_id"`
	Items   []domain.WorkflowStep `json:"items"`
}

type paginatedSteps struct {
	Items      []domain.WorkflowStep `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type DecisionsResponse struct {
	ClaimID string            `json:"claim_id"`
	Items   []domain.Decision `json:"items"`
}

type HealthResponse struct {
	Status   string   `json:"status"`
	InFlight []string `json:"in_flight"`
	Stages   []string `json:"stages,omitempty"`
}
