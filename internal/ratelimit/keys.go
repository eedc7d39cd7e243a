package ratelimit

import (
	"net/http"
	"regexp"
	"strings"
)

// Credential header fallbacks, checked after the Authorization bearer form.
const (
	apiKeyHeader    = "X-Api-Key"
	altAPIKeyHeader = "Api-Key"
)

const (
	// maxAuthHeaderLength caps the Authorization value before the bearer
	// pattern runs, keeping pathological inputs away from the regexp.
	maxAuthHeaderLength = 512

	// MaxKeyLength bounds the bucket identifier. Extraction passes longer
	// candidates through; the middleware rejects them as invalid so the
	// store never tracks an oversized key.
	MaxKeyLength = 256
)

// bearerPattern accepts "Bearer <token>" with a case-insensitive scheme.
// The token must run to the end of the value, so an Authorization header
// carrying an injected newline or trailing garbage does not match and the
// request falls through to the dedicated key headers.
var bearerPattern = regexp.MustCompile(`(?i)^\s*bearer\s+([^\s,]+)\s*$`)

// KeyFromHeader derives the rate-limit bucket identifier from request
// headers. It returns false when no usable credential is present; callers
// map that to a missing-credential rejection. Lookup order: Authorization
// bearer token, then X-Api-Key, then Api-Key. Once one source yields a
// candidate, its validity is final; a poisoned candidate does not fall
// through to the next source.
func KeyFromHeader(h http.Header) (string, bool) {
	if auth := h.Get("Authorization"); auth != "" {
		if len(auth) > maxAuthHeaderLength {
			return "", false
		}
		if m := bearerPattern.FindStringSubmatch(auth); m != nil {
			return validateKey(m[1])
		}
	}

	if key := h.Get(apiKeyHeader); key != "" {
		return validateKey(strings.TrimSpace(key))
	}

	if key := h.Get(altAPIKeyHeader); key != "" {
		return validateKey(strings.TrimSpace(key))
	}

	return "", false
}

// validateKey treats empty candidates and candidates hiding carriage
// returns or line feeds as absent. The bearer match excludes whitespace by
// construction; header-derived keys arrive here already trimmed but may
// still carry interior control characters.
func validateKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}
	return key, true
}
