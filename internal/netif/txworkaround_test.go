package netif

import "testing"

func TestAffectedReleasePrefixMatching(t *testing.T) {
	cases := map[string]bool{
		"2.6.31-generic":      true,
		"2.6.31.14":           true,
		"2.6.32-5-amd64":      true,
		"2.6.39.4":            false,
		"5.15.0-generic":      false,
		"3.2.0-4-amd64":       false,
	}
	for release, want := range cases {
		got := false
		for _, prefix := range affectedReleasePrefixes {
			if len(release) >= len(prefix) && release[:len(prefix)] == prefix {
				got = true
				break
			}
		}
		if got != want {
			t.Errorf("release %q: got %v, want %v", release, got, want)
		}
	}
}

func TestCToString(t *testing.T) {
	buf := make([]byte, 16)
	copy(buf, "5.15.0")
	if got := cToString(buf); got != "5.15.0" {
		t.Fatalf("got %q, want %q", got, "5.15.0")
	}
}
