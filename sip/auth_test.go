package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// HA1 and HA2 are the RFC 2617 section 3.5 example values; the response is
// the RFC 2069 form without qop, md5("HA1:nonce:HA2").
func TestDigestRFC2617Vector(t *testing.T) {
	ha1 := HA1("Mufasa", "testrealm@host.com", "Circle Of Life")
	assert.Equal(t, "939e7578ed9e3c518a452acee763bce9", ha1)

	ha2 := HA2("GET", "/dir/index.html")
	assert.Equal(t, "39aff3a2bab6126f332b942af96d3366", ha2)

	resp := DigestResponse(ha1, "dcd98b7102dd2f0e8b11d0f600bfb0c093", ha2)
	assert.Equal(t, "670fd8c2df070c60b045671b8b24ff02", resp)
}

func TestNewAuthorizationValue(t *testing.T) {
	challenge := AuthenticateValue{
		Scheme:    "Digest",
		Realm:     "atlanta.com",
		Nonce:     "84a4cc6f3082121f32b42a2187831a9e",
		Algorithm: "MD5",
	}

	av, err := NewAuthorizationValue(challenge, "REGISTER", "sip:atlanta.com", "alice", "secret")
	require.NoError(t, err)

	assert.Equal(t, "Digest", av.Scheme)
	assert.Equal(t, "alice", av.Username)
	assert.Equal(t, "atlanta.com", av.Realm)
	assert.Equal(t, "84a4cc6f3082121f32b42a2187831a9e", av.Nonce)

	expected := DigestResponse(HA1("alice", "atlanta.com", "secret"), challenge.Nonce, HA2("REGISTER", "sip:atlanta.com"))
	assert.Equal(t, expected, av.Response)

	// Round trips through the wire form.
	parsed, err := ParseAuthorizationValue(av.String())
	require.NoError(t, err)
	assert.Equal(t, av.Response, parsed.Response)
	assert.Equal(t, av.Username, parsed.Username)
}

func TestNewAuthorizationValueRejectsUnsupportedAlgorithm(t *testing.T) {
	challenge := AuthenticateValue{Scheme: "Digest", Realm: "atlanta.com", Nonce: "x", Algorithm: "SHA-256"}
	_, err := NewAuthorizationValue(challenge, "REGISTER", "sip:atlanta.com", "alice", "secret")
	assert.ErrorIs(t, err, ErrUnsupportedDigestAlgorithm)
}

func TestParseAuthenticateValue(t *testing.T) {
	raw := `Digest realm="atlanta.com", nonce="84a4cc6f3082121f32b42a2187831a9e", algorithm=MD5, qop="auth"`
	av, err := ParseAuthenticateValue(raw)
	require.NoError(t, err)

	assert.Equal(t, "Digest", av.Scheme)
	assert.Equal(t, "atlanta.com", av.Realm)
	assert.Equal(t, "84a4cc6f3082121f32b42a2187831a9e", av.Nonce)
	assert.Equal(t, "MD5", av.Algorithm)
	assert.Equal(t, "auth", av.Qop)
}
