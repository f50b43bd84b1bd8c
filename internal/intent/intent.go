// Package intent classifies operator messages before the confirmation state machine branches on them.
package intent

import (
	"regexp"
	"strings"
)

// Kind is the closed set of message intents.
type Kind int

const (
	None Kind = iota
	ClaimRequest
	Confirm
	Cancel
)

func (k Kind) String() string {
	switch k {
	case ClaimRequest:
		return "claim_request"
	case Confirm:
		return "confirm"
	case Cancel:
		return "cancel"
	}
	return "none"
}

type Intent struct {
	Kind    Kind
	ClaimID string
}

// DefaultPrefixes are the outpatient and inpatient claim id prefixes.
var DefaultPrefixes = []string{"OP", "IP"}

type Parser struct {
	re *regexp.Regexp
}

// NewParser compiles a claim id matcher for the given prefixes.
func NewParser(prefixes []string) *Parser {
	var alts []string
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(p))
	}
	if len(alts) == 0 {
		for _, p := range DefaultPrefixes {
			alts = append(alts, regexp.QuoteMeta(p))
		}
	}
	return &Parser{re: regexp.MustCompile(`(?i)\b(` + strings.Join(alts, "|") + `)-(\d+)\b`)}
}

var defaultParser = NewParser(DefaultPrefixes)

// ParseClaimID extracts the first claim id in text, normalised to upper case.
func (p *Parser) ParseClaimID(text string) (string, bool) {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]) + "-" + m[2], true
}

// Classify produces the message intent. Confirmation words win over embedded claim ids.
func (p *Parser) Classify(text string) Intent {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y":
		return Intent{Kind: Confirm}
	case "no", "n":
		return Intent{Kind: Cancel}
	}
	if id, ok := p.ParseClaimID(text); ok {
		return Intent{Kind: ClaimRequest, ClaimID: id}
	}
	return Intent{Kind: None}
}

// ParseClaimID uses the default prefixes.
func ParseClaimID(text string) (string, bool) {
	return defaultParser.ParseClaimID(text)
}

// Classify uses the default prefixes.
func Classify(text string) Intent {
	return defaultParser.Classify(text)
}
