package utils

import "testing"

func TestMatchResourcePattern(t *testing.T) {
	cases := []struct {
		resource string
		pattern  string
		want     bool
	}{
		{"Loan/123", "Loan/*", true},
		{"Loan/123/documents", "Loan/*", true},
		{"Loans/123", "Loan/*", false},
		{"Loan", "Loan/*", false},
		{"Loan/", "Loan/*", false},
		{"Loan/123", "Loan/123", true},
		{"loan/123", "Loan/123", false},
		{"Loan/123", "*", true},
		{"Loan/123/documents", "Loan/:id/documents", true},
		{"Loan/123/notes", "Loan/:id/documents", false},
		{"Loan/123/documents", "Loan/*/documents", true},
		{"Loan//documents", "Loan/*/documents", false},
		{"Loan123", "Loan*", false},
		{"Loan*", "Loan*", true},
		{"", "*", false},
		{"Loan/1", "", false},
	}
	for _, tc := range cases {
		if got := MatchResourcePattern(tc.resource, tc.pattern); got != tc.want {
			t.Fatalf("MatchResourcePattern(%q, %q) = %v, want %v", tc.resource, tc.pattern, got, tc.want)
		}
	}
}

func TestMatchAction(t *testing.T) {
	if !MatchAction("*", "approve") {
		t.Fatalf("expected wildcard to match")
	}
	if !MatchAction("approve", "approve") {
		t.Fatalf("expected exact match")
	}
	if MatchAction("Approve", "approve") {
		t.Fatalf("actions are case sensitive")
	}
	if MatchAction("", "approve") {
		t.Fatalf("empty pattern must not match")
	}
}

func TestEscapeKeySegmentIsInjective(t *testing.T) {
	a := EscapeKeySegment("Loan/1:2")
	b := EscapeKeySegment("Loan%2F1%3A2")
	if a == b {
		t.Fatalf("distinct inputs collided: %q", a)
	}
	if a != "Loan%2F1%3A2" {
		t.Fatalf("unexpected escape %q", a)
	}
}
