package evaluator

import (
	"encoding/json"
	"fmt"
	"strings"

	"claimline/internal/domain"
)

type coveragePayload struct {
	Eligible   *bool    `json:"eligible"`
	MaxAllowed *float64 `json:"max_allowed"`
	Reason     string   `json:"reason"`
}

type documentPayload struct {
	Confidence      float64        `json:"confidence"`
	ExtractedFields map[string]any `json:"extracted_fields"`
	Recommendation  string         `json:"recommendation"`
}

type intakePayload struct {
	Verified   *bool    `json:"verified"`
	Mismatches []string `json:"mismatches"`
}

// Decode turns an evaluator envelope into a verdict for stage.
// An explicit "fail" status always wins over the payload.
func Decode(stage domain.Stage, resp Response) (domain.Verdict, error) {
	v := domain.Verdict{Stage: stage, Outcome: domain.OutcomePass}
	failed := strings.EqualFold(resp.Status, "fail")
	switch stage {
	case domain.StageCoverage:
		var p coveragePayload
		if err := unmarshalPayload(resp.Payload, &p); err != nil {
			return v, err
		}
		v.MaxAllowed = p.MaxAllowed
		if failed || (p.Eligible != nil && !*p.Eligible) {
			v.Outcome = domain.OutcomeFail
			v.Reason = "Coverage rules rejection: " + nonEmpty(p.Reason, "Coverage limits exceeded")
		} else {
			v.Reason = nonEmpty(p.Reason, nonEmpty(resp.Summary, "within coverage limits"))
		}
	case domain.StageDocument:
		var p documentPayload
		if err := unmarshalPayload(resp.Payload, &p); err != nil {
			return v, err
		}
		v.Confidence = p.Confidence
		v.ExtractedFields = p.ExtractedFields
		rec := strings.ToLower(strings.TrimSpace(p.Recommendation))
		if failed || rec == "reject" || rec == "deny" {
			v.Outcome = domain.OutcomeFail
		}
		v.Reason = nonEmpty(resp.Summary, nonEmpty(p.Recommendation, "documents reviewed"))
		v.Reason = fmt.Sprintf("%s (confidence %.2f)", v.Reason, p.Confidence)
	case domain.StageIntake:
		var p intakePayload
		if err := unmarshalPayload(resp.Payload, &p); err != nil {
			return v, err
		}
		v.Mismatches = p.Mismatches
		if failed || (p.Verified != nil && !*p.Verified) {
			v.Outcome = domain.OutcomeFail
			if len(p.Mismatches) > 0 {
				v.Reason = "Intake mismatches: " + strings.Join(p.Mismatches, ", ")
			} else {
				v.Reason = nonEmpty(resp.Summary, "intake verification failed")
			}
		} else {
			v.Reason = nonEmpty(resp.Summary, "intake verified")
		}
	default:
		return v, fmt.Errorf("unknown stage %q", stage)
	}
	return v, nil
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
