// Package signer implements the PoP v1 canonical request string and its
// Ed25519 signature verification, grounded in the verifier shape from
// Mindburn-Labs-helm's pkg/crypto (Verify(message, sig) bool) generalized
// to HTTP requests instead of decision/receipt records.
package signer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Version is the only PoP protocol version this signer understands.
const Version = "1"

// Header names required on every signed request.
const (
	HeaderVersion = "x-pop-v"
	HeaderAppID   = "x-app-id"
	HeaderTS      = "x-ts"
	HeaderNonce   = "x-nonce"
	HeaderSig     = "x-sig"
)

// MinNonceLen is the minimum accepted length of x-nonce.
const MinNonceLen = 16

// Headers is the parsed, not-yet-verified set of PoP headers from a request.
type Headers struct {
	Version string
	AppID   string
	TS      int64
	Nonce   string
	Sig     []byte
}

// ParseError indicates malformed or missing PoP headers.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

// ParseHeaders extracts and validates the shape of the PoP headers, without
// verifying the signature. Returns a *ParseError for any structural problem;
// callers should surface ERR_UNSUPPORTED_POP_VERSION or ERR_MISSING_AUTH
// depending on which check failed (see ParseError.Reason).
func ParseHeaders(h http.Header) (*Headers, error) {
	version := h.Get(HeaderVersion)
	appID := h.Get(HeaderAppID)
	tsRaw := h.Get(HeaderTS)
	nonce := h.Get(HeaderNonce)
	sigRaw := h.Get(HeaderSig)

	if appID == "" || tsRaw == "" || nonce == "" || sigRaw == "" || version == "" {
		return nil, &ParseError{Reason: "missing required PoP header"}
	}
	if version != Version {
		return nil, &ParseError{Reason: "unsupported_version"}
	}
	if len(nonce) < MinNonceLen {
		return nil, &ParseError{Reason: "nonce too short"}
	}
	if !isURLSafe(nonce) {
		return nil, &ParseError{Reason: "nonce must be URL-safe"}
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, &ParseError{Reason: "malformed timestamp"}
	}

	sig, err := base64.StdEncoding.DecodeString(sigRaw)
	if err != nil {
		return nil, &ParseError{Reason: "malformed signature"}
	}

	return &Headers{Version: version, AppID: appID, TS: ts, Nonce: nonce, Sig: sig}, nil
}

func isURLSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// BodyHash returns base64url (no padding) of SHA-256(body). An empty body
// hashes the empty byte string, matching the wire spec.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// BuildCanonical constructs the PoP v1 canonical string. method is
// upper-cased by the caller's choice, but this function upper-cases it again
// defensively since the string is signed byte-for-byte.
func BuildCanonical(method, pathWithQuery, appID string, ts int64, nonce, bodyHash string) []byte {
	var b strings.Builder
	b.WriteString("v1\n")
	b.WriteString(strings.ToUpper(method))
	b.WriteString("\n")
	b.WriteString(pathWithQuery)
	b.WriteString("\n")
	b.WriteString(appID)
	b.WriteString("\n")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString("\n")
	b.WriteString(nonce)
	b.WriteString("\n")
	b.WriteString(bodyHash)
	b.WriteString("\n")
	return []byte(b.String())
}

// PathWithQuery builds the PATH_WITH_QUERY canonical component from an
// *http.Request: pathname + search (search includes "?" if present).
func PathWithQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// SkewWindow is the maximum allowed |now - ts| in seconds.
const SkewWindow = 300 * time.Second

// CheckSkew reports whether ts (unix seconds) is within the allowed clock
// skew window of now.
func CheckSkew(ts int64, now time.Time) bool {
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= SkewWindow
}

// Verifier verifies Ed25519 signatures over canonical PoP strings.
type Verifier struct{}

// NewVerifier creates a Verifier. It holds no state; the public key is
// supplied per call since it varies per App.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify checks that sig is a valid Ed25519 signature of canonical under
// publicKey. publicKey must be exactly 32 bytes.
func (v *Verifier) Verify(publicKey, canonical, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(publicKey))
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), canonical, sig), nil
}

// VerifyRequest is the end-to-end convenience used by the pipeline: given
// parsed headers, the request's method/path, the raw body, and the app's
// public key, it builds the canonical string and verifies the signature.
func (v *Verifier) VerifyRequest(h *Headers, method, pathWithQuery string, body []byte, publicKey []byte) (bool, error) {
	canonical := BuildCanonical(method, pathWithQuery, h.AppID, h.TS, h.Nonce, BodyHash(body))
	return v.Verify(publicKey, canonical, h.Sig)
}
