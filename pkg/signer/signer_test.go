package signer

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCanonical_Deterministic(t *testing.T) {
	a := BuildCanonical("post", "/r/llm/groq/v1/chat/completions", "app_1", 1700000000, "nonceABCDEFGHIJKL", BodyHash([]byte(`{"a":1}`)))
	b := BuildCanonical("POST", "/r/llm/groq/v1/chat/completions", "app_1", 1700000000, "nonceABCDEFGHIJKL", BodyHash([]byte(`{"a":1}`)))
	assert.Equal(t, a, b, "identical inputs must produce byte-identical canonical strings")

	c := BuildCanonical("POST", "/r/llm/groq/v1/chat/completions", "app_1", 1700000001, "nonceABCDEFGHIJKL", BodyHash([]byte(`{"a":1}`)))
	assert.NotEqual(t, a, c, "changing ts must change the canonical string")
}

func TestBodyHash_EmptyBody(t *testing.T) {
	h1 := BodyHash(nil)
	h2 := BodyHash([]byte{})
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestVerifyRequest_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/r/llm/groq/v1/chat/completions?x=1", nil)
	body := []byte(`{"model":"m"}`)
	bh := BodyHash(body)
	ts := time.Now().Unix()
	nonce := "nonceABCDEFGHIJKLMNOP"

	canonical := BuildCanonical(req.Method, PathWithQuery(req), "app_1", ts, nonce, bh)
	sig := ed25519.Sign(priv, canonical)

	v := NewVerifier()
	h := &Headers{Version: Version, AppID: "app_1", TS: ts, Nonce: nonce, Sig: sig}
	ok, err := v.VerifyRequest(h, req.Method, PathWithQuery(req), body, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampering with the body must invalidate the signature.
	ok, err = v.VerifyRequest(h, req.Method, PathWithQuery(req), []byte(`{"model":"other"}`), pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseHeaders(t *testing.T) {
	good := http.Header{}
	good.Set(HeaderVersion, "1")
	good.Set(HeaderAppID, "app_1")
	good.Set(HeaderTS, "1700000000")
	good.Set(HeaderNonce, "nonceABCDEFGHIJKLMNOP")
	good.Set(HeaderSig, "AAAA")

	h, err := ParseHeaders(good)
	require.NoError(t, err)
	assert.Equal(t, "app_1", h.AppID)

	missing := good.Clone()
	missing.Del(HeaderNonce)
	_, err = ParseHeaders(missing)
	assert.Error(t, err)

	badVersion := good.Clone()
	badVersion.Set(HeaderVersion, "2")
	_, err = ParseHeaders(badVersion)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "unsupported_version", pe.Reason)

	shortNonce := good.Clone()
	shortNonce.Set(HeaderNonce, "short")
	_, err = ParseHeaders(shortNonce)
	assert.Error(t, err)
}

func TestCheckSkew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assert.True(t, CheckSkew(1700000000, now))
	assert.True(t, CheckSkew(1700000000-300, now))
	assert.True(t, CheckSkew(1700000000+300, now))
	assert.False(t, CheckSkew(1700000000-301, now))
	assert.False(t, CheckSkew(1700000000+301, now))
}
