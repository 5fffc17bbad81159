package protection

import "strings"

// RejectionKind distinguishes the one recoverable rejection class from
// everything else.
type RejectionKind int

const (
	// RejectionOther covers every rejection the engine does not recover
	// from; it is surfaced and logged, never synthesized around.
	RejectionOther RejectionKind = iota
	// RejectionSpreadViolation means the venue refused a conditional
	// order because its trigger sits inside the current bid/ask spread.
	RejectionSpreadViolation
)

// RejectionClassifier decides whether a venue rejection message is a
// spread violation. Implementations must be pure: same message, same
// answer, no side effects.
type RejectionClassifier interface {
	Classify(message string) RejectionKind
}

// SubstringClassifier matches case-insensitively against a phrase set.
// Each venue ships its own phrasing; swapping the set never touches the
// state machine.
type SubstringClassifier struct {
	phrases []string
}

// NewSubstringClassifier lowercases and stores the phrases. Empty
// phrases are dropped.
func NewSubstringClassifier(phrases ...string) *SubstringClassifier {
	c := &SubstringClassifier{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			c.phrases = append(c.phrases, p)
		}
	}
	return c
}

// NewDefaultClassifier carries the known spread-violation phrasings of
// the reference brokerage.
func NewDefaultClassifier() *SubstringClassifier {
	return NewSubstringClassifier(
		"stop price must be",
		"stop order rejected",
		"invalid stop price",
		"stop price outside spread",
	)
}

func (c *SubstringClassifier) Classify(message string) RejectionKind {
	if c == nil || message == "" {
		return RejectionOther
	}
	lower := strings.ToLower(message)
	for _, p := range c.phrases {
		if strings.Contains(lower, p) {
			return RejectionSpreadViolation
		}
	}
	return RejectionOther
}
