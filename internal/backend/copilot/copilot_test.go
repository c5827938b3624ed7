package copilot

import "testing"

func TestMatches429(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"Error: status: 429", true},
		{"HTTP error code=429", true},
		{"429: too many requests, please slow down", true},
		{"see lines 429-431 of the diff", false},
		{"retrying after 429 rate limit exceeded", true},
		{"the bus number is 429", false},
	}
	for _, tc := range cases {
		if got := matches429(tc.line); got != tc.want {
			t.Errorf("matches429(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestAdapter_ParseExitCode(t *testing.T) {
	a := New()
	if success, cls := a.ParseExitCode(0); !success || cls != nil {
		t.Fatalf("expected success on exit 0, got success=%v cls=%v", success, cls)
	}
	if success, cls := a.ParseExitCode(127); success || *cls != "Tool" {
		t.Fatalf("expected Tool on exit 127, got success=%v cls=%v", success, cls)
	}
	a.ObserveLine("error: status: 429 too many requests")
	if success, cls := a.ParseExitCode(1); success || *cls != "Quota" {
		t.Fatalf("expected Quota after 429 observed, got success=%v cls=%v", success, cls)
	}
}
