package middleware

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davencooke/predmarket/internal/crypto"
)

// Auth returns middleware that validates API requests. Two schemes are
// accepted: a static token (Authorization: Bearer or X-API-Key, compared
// against apiKey) and, when apiSecret is configured, HMAC-signed requests
// carrying the X-Market-* headers. Signed requests bind the signature to
// timestamp+method+path+body, so a captured request cannot be replayed
// against a different endpoint or payload.
//
// If apiKey is empty, the middleware passes all requests through (disabled).
func Auth(apiKey, apiSecret string) func(http.Handler) http.Handler {
	signer := &crypto.HMACAuth{Key: apiKey, Secret: apiSecret}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// If no API key is configured, authentication is disabled.
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Requests carrying a signature header use the HMAC scheme.
			if apiSecret != "" && r.Header.Get(crypto.HeaderSignature) != "" {
				if err := verifySigned(r, signer); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifySigned checks the HMAC headers on a signed request. The body is
// consumed for the signature check and restored for downstream handlers.
func verifySigned(r *http.Request, signer *crypto.HMACAuth) error {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(crypto.HeaderAPIKey)), []byte(signer.Key)) != 1 {
		return errors.New("middleware: unknown api key")
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("middleware: read signed body: %w", err)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	return signer.Verify(
		r.Method,
		r.URL.Path,
		string(body),
		r.Header.Get(crypto.HeaderTimestamp),
		r.Header.Get(crypto.HeaderSignature),
		time.Now(),
	)
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	// Check Authorization: Bearer <token>
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// Check X-API-Key header.
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
