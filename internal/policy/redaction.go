package policy

import (
	"math"
	"net/url"
	"strings"
)

// LogCoordinatePrecision is the number of decimals kept when coordinates are
// written to logs (~110 m at the equator).
const LogCoordinatePrecision = 3

var sensitiveQueryKeys = []string{"token", "access_token", "key", "api_key", "secret", "signature"}

// CoarsenCoordinate rounds a latitude or longitude for logging.
func CoarsenCoordinate(v float64) float64 {
	p := math.Pow(10, LogCoordinatePrecision)
	return math.Round(v*p) / p
}

// RedactURL masks credentials embedded in a URL (userinfo and well-known
// secret query parameters). Unparseable input is fully masked.
func RedactURL(raw string) (redacted string, changed bool) {
	if strings.TrimSpace(raw) == "" {
		return raw, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED_URL]", true
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
		changed = true
	}
	q := u.Query()
	for key := range q {
		for _, s := range sensitiveQueryKeys {
			if strings.EqualFold(key, s) {
				q.Set(key, "[REDACTED]")
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String(), changed
}

// RedactSecret keeps only the last four characters of a token.
func RedactSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
