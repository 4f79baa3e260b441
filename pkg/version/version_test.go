package version

import (
	"strings"
	"testing"
)

func TestFallbacks(t *testing.T) {
	t.Cleanup(func() { tag, commit, date = "", "unknown", "unknown" })

	if String() != "dev" || Full() != "dev" {
		t.Fatalf("dev build: String=%q Full=%q", String(), Full())
	}

	commit, date = "abc1234", "2026-01-01"
	if String() != "abc1234" || Full() != "abc1234 built 2026-01-01" {
		t.Fatalf("untagged: String=%q Full=%q", String(), Full())
	}

	tag = "v1.2.0"
	if String() != "v1.2.0" || Full() != "v1.2.0 (abc1234) built 2026-01-01" {
		t.Fatalf("tagged: String=%q Full=%q", String(), Full())
	}
}

func TestGreetingIsSingleField(t *testing.T) {
	g := Greeting()
	if strings.ContainsAny(g, ":\r\n") {
		t.Errorf("Greeting %q must not contain separators", g)
	}
}
