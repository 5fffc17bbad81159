package protection

import "testing"

func TestDefaultClassifier(t *testing.T) {
	c := NewDefaultClassifier()

	cases := []struct {
		name    string
		message string
		want    RejectionKind
	}{
		{"sell side phrasing", "Stop price must be below the current bid", RejectionSpreadViolation},
		{"buy side phrasing", "Stop price must be above the current ask", RejectionSpreadViolation},
		{"mixed case", "STOP PRICE MUST BE below the bid", RejectionSpreadViolation},
		{"generic stop rejection", "stop order rejected by exchange", RejectionSpreadViolation},
		{"invalid stop price", "error: invalid stop price for instrument", RejectionSpreadViolation},
		{"buying power", "insufficient buying power", RejectionOther},
		{"unknown instrument", "unknown instrument XYZ", RejectionOther},
		{"empty message", "", RejectionOther},
		{"partial phrase", "stop price", RejectionOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Classify(tc.message); got != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.message, got, tc.want)
			}
		})
	}
}

func TestSubstringClassifierCustomPhrases(t *testing.T) {
	c := NewSubstringClassifier("  Trigger Inside Spread  ", "", "code 4187")

	if c.Classify("ORDER REJECTED: trigger inside spread") != RejectionSpreadViolation {
		t.Fatalf("custom phrase not matched case-insensitively")
	}
	if c.Classify("rejected with code 4187") != RejectionSpreadViolation {
		t.Fatalf("second phrase not matched")
	}
	if c.Classify("stop price must be below the bid") != RejectionOther {
		t.Fatalf("default phrases must not leak into a custom set")
	}
}

func TestNilClassifierIsSafe(t *testing.T) {
	var c *SubstringClassifier
	if c.Classify("anything") != RejectionOther {
		t.Fatalf("nil classifier must classify as other")
	}
}
