package engine

import (
	"fmt"
	"strings"

	"claimline/internal/domain"
)

func confirmationPrompt(c domain.Claim) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim %s is ready for processing.\n\n", c.ClaimID)
	fmt.Fprintf(&b, "Claim ID: %s\n", c.ClaimID)
	fmt.Fprintf(&b, "Patient: %s\n", c.CustomerName)
	fmt.Fprintf(&b, "Amount: $%.2f\n", c.BillAmount)
	fmt.Fprintf(&b, "Category: %s\n", c.Category)
	fmt.Fprintf(&b, "Diagnosis: %s\n", orNA(c.Diagnosis))
	fmt.Fprintf(&b, "Status: %s\n\n", orNA(c.Status))
	b.WriteString("Please confirm: Do you want to proceed with processing this claim? (Type 'yes' to confirm or 'no' to cancel)")
	return b.String()
}

func repromptText(claimID string) string {
	return fmt.Sprintf("Please respond with 'yes' to confirm processing claim %s, or 'no' to cancel.", claimID)
}

func helpText(sessionID string) string {
	return fmt.Sprintf("I could not find a claim id in that message. Try \"Process claim with OP-1001\". (session %s)", sessionID)
}

func decisionText(d domain.Decision) string {
	var b strings.Builder
	switch d.Outcome {
	case domain.Approved:
		fmt.Fprintf(&b, "Claim %s APPROVED.", d.ClaimID)
	case domain.Denied:
		fmt.Fprintf(&b, "Claim %s DENIED.", d.ClaimID)
	default:
		fmt.Fprintf(&b, "Claim %s requires manual review.", d.ClaimID)
		if d.Degraded() {
			fmt.Fprintf(&b, " Processing was interrupted (%s).", d.ErrorKind)
		}
	}
	if d.Reasoning != "" {
		b.WriteString("\nReasoning: ")
		b.WriteString(d.Reasoning)
	}
	return b.String()
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}
