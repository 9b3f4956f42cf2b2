package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{ActionCall, "WAITING", true},
		{ActionCall, "CALLED", false},
		{ActionCall, "SERVED", false},
		{ActionRecall, "CALLED", true},
		{ActionRecall, "WAITING", false},
		{ActionRecall, "SERVED", false},
		{ActionServe, "CALLED", true},
		{ActionServe, "WAITING", false},
		{ActionServe, "SERVED", false},
		{"unknown", "WAITING", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	cases := map[string]string{
		ActionCall:   "CALLED",
		ActionRecall: "CALLED",
		ActionServe:  "SERVED",
		"unknown":    "",
	}
	for action, want := range cases {
		if got := TargetStatus(action); got != want {
			t.Fatalf("TargetStatus(%q)=%q, want %q", action, got, want)
		}
	}
}
