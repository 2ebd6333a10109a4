package correlation

import (
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Header carries the correlation id between the marketplace, this service
// and gateway callbacks that echo it back.
const Header = "X-Correlation-Id"

const maxLength = 128

// New returns a fresh, time-sortable correlation id.
func New() string {
	return ulid.Make().String()
}

// FromHeader returns the caller's correlation id when it is usable and a new
// one otherwise. Ids with characters outside [A-Za-z0-9._:-] are replaced so
// they cannot break log or header formatting.
func FromHeader(h http.Header) string {
	id := strings.TrimSpace(h.Get(Header))
	if !Valid(id) {
		return New()
	}
	return id
}

func Valid(id string) bool {
	if id == "" || len(id) > maxLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return false
		}
	}
	return true
}
