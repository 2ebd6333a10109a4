package correlation

import (
	"net/http"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestFromHeaderKeepsValidID(t *testing.T) {
	h := http.Header{}
	h.Set(Header, "order-42:retry.1")
	if got := FromHeader(h); got != "order-42:retry.1" {
		t.Fatalf("expected caller id, got %q", got)
	}
}

func TestFromHeaderReplacesMissingOrUnsafeID(t *testing.T) {
	cases := map[string]string{
		"missing":  "",
		"newline":  "abc\r\nX-Injected: 1",
		"too long": strings.Repeat("a", maxLength+1),
	}
	for name, value := range cases {
		h := http.Header{}
		if value != "" {
			h[Header] = []string{value}
		}
		got := FromHeader(h)
		if _, err := ulid.Parse(got); err != nil {
			t.Fatalf("%s: expected generated ulid, got %q: %v", name, got, err)
		}
	}
}
