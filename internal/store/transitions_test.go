package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"checkout", "open", true},
		{"checkout", "pending_payment", true},
		{"checkout", "paid", false},
		{"checkout", "void", false},
		{"settle", "open", true},
		{"settle", "pending_payment", true},
		{"settle", "refunded", false},
		{"void", "open", true},
		{"void", "paid", false},
		{"void", "void", false},
		{"refund", "paid", true},
		{"refund", "pending_payment", true},
		{"refund", "refunded", true},
		{"refund", "void", true},
		{"unknown", "open", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
