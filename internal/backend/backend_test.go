package backend

import "testing"

func TestExitSentinelRoundTrip(t *testing.T) {
	for _, code := range []int{0, 1, 127, 130, 255} {
		line := ExitSentinel(code)
		got, ok := ParseExitSentinel(line)
		if !ok {
			t.Fatalf("ParseExitSentinel(%q) failed to match", line)
		}
		if got != code {
			t.Errorf("ParseExitSentinel(%q) = %d, want %d", line, got, code)
		}
	}
}

func TestParseExitSentinel_RejectsOtherLines(t *testing.T) {
	if _, ok := ParseExitSentinel("just some output"); ok {
		t.Fatal("expected no match on non-sentinel line")
	}
}

func TestContainsQuotaKeyword(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"Error: rate_limit exceeded", true},
		{"You have hit your usage limit for today", true},
		{"Insufficient Credit remaining", true},
		{"everything is fine", false},
	}
	for _, tc := range cases {
		if got := ContainsQuotaKeyword(tc.s); got != tc.want {
			t.Errorf("ContainsQuotaKeyword(%q) = %v, want %v", tc.s, got, tc.want)
		}
	}
}
