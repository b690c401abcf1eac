package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// AuthenticateValue is the typed view over a WWW-Authenticate or
// Proxy-Authenticate challenge.
type AuthenticateValue struct {
	Scheme    string
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	Qop       string
	Stale     bool
	Params    HeaderParams
}

// ParseAuthenticateValue parses a "Digest realm=..., nonce=..., ..." challenge.
func ParseAuthenticateValue(raw string) (AuthenticateValue, error) {
	raw = strings.TrimSpace(raw)
	schemeEnd := strings.IndexByte(raw, ' ')
	if schemeEnd < 0 {
		return AuthenticateValue{}, fmt.Errorf("%w: malformed challenge %q", ErrProtocolViolation, raw)
	}

	av := AuthenticateValue{Scheme: raw[:schemeEnd], Params: NewParams()}
	if _, err := UnmarshalHeaderParams(raw[schemeEnd+1:], ',', 0, &av.Params); err != nil {
		return AuthenticateValue{}, err
	}

	av.Realm, _ = av.Params.Get("realm")
	av.Nonce, _ = av.Params.Get("nonce")
	av.Opaque, _ = av.Params.Get("opaque")
	av.Algorithm = ASCIIToUpper(av.Params.GetOr("algorithm", "MD5"))
	av.Qop, _ = av.Params.Get("qop")
	stale, _ := av.Params.Get("stale")
	av.Stale = strings.EqualFold(stale, "true")

	return av, nil
}

func (av AuthenticateValue) String() string {
	var b strings.Builder
	b.WriteString(av.Scheme)
	b.WriteByte(' ')
	b.WriteString(av.Params.ToString(','))
	return b.String()
}

// AuthorizationValue is the typed view over an Authorization or
// Proxy-Authorization credential built in response to a challenge.
type AuthorizationValue struct {
	Scheme    string
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Algorithm string
	Opaque    string
	Qop       string
	Cnonce    string
	NonceCount string
	Params    HeaderParams
}

// NewAuthorizationValue builds an Authorization credential answering
// challenge for the given method/digestURI/username/password, computing the
// response digest per RFC 2069/3261. Only the MD5 algorithm is supported;
// a challenge naming any other algorithm is rejected.
func NewAuthorizationValue(challenge AuthenticateValue, method, digestURI, username, password string) (AuthorizationValue, error) {
	if challenge.Algorithm != "" && challenge.Algorithm != "MD5" {
		return AuthorizationValue{}, ErrUnsupportedDigestAlgorithm
	}

	ha1 := HA1(username, challenge.Realm, password)
	ha2 := HA2(method, digestURI)
	resp := DigestResponse(ha1, challenge.Nonce, ha2)

	av := AuthorizationValue{
		Scheme:    "Digest",
		Username:  username,
		Realm:     challenge.Realm,
		Nonce:     challenge.Nonce,
		URI:       digestURI,
		Response:  resp,
		Algorithm: "MD5",
		Opaque:    challenge.Opaque,
		Params:    NewParams(),
	}
	av.rebuildParams()
	return av, nil
}

// ParseAuthorizationValue parses an Authorization/Proxy-Authorization
// credential value.
func ParseAuthorizationValue(raw string) (AuthorizationValue, error) {
	raw = strings.TrimSpace(raw)
	schemeEnd := strings.IndexByte(raw, ' ')
	if schemeEnd < 0 {
		return AuthorizationValue{}, fmt.Errorf("%w: malformed credentials %q", ErrProtocolViolation, raw)
	}

	av := AuthorizationValue{Scheme: raw[:schemeEnd], Params: NewParams()}
	if _, err := UnmarshalHeaderParams(raw[schemeEnd+1:], ',', 0, &av.Params); err != nil {
		return AuthorizationValue{}, err
	}

	av.Username, _ = av.Params.Get("username")
	av.Realm, _ = av.Params.Get("realm")
	av.Nonce, _ = av.Params.Get("nonce")
	av.URI, _ = av.Params.Get("uri")
	av.Response, _ = av.Params.Get("response")
	av.Algorithm = ASCIIToUpper(av.Params.GetOr("algorithm", "MD5"))
	av.Opaque, _ = av.Params.Get("opaque")
	av.Qop, _ = av.Params.Get("qop")
	av.Cnonce, _ = av.Params.Get("cnonce")
	av.NonceCount, _ = av.Params.Get("nc")

	return av, nil
}

func (av *AuthorizationValue) rebuildParams() {
	p := NewParams()
	p.Add("username", av.Username)
	p.Add("realm", av.Realm)
	p.Add("nonce", av.Nonce)
	p.Add("uri", av.URI)
	p.Add("response", av.Response)
	if av.Algorithm != "" {
		p.Add("algorithm", av.Algorithm)
	}
	if av.Opaque != "" {
		p.Add("opaque", av.Opaque)
	}
	if av.Qop != "" {
		p.Add("qop", av.Qop)
		p.Add("cnonce", av.Cnonce)
		p.Add("nc", av.NonceCount)
	}
	av.Params = p
}

func (av AuthorizationValue) String() string {
	var b strings.Builder
	b.WriteString(av.Scheme)
	b.WriteByte(' ')
	b.WriteString(av.Params.ToString(','))
	return b.String()
}

// HA1 computes hex(md5("username:realm:password")) per RFC 2069 section 2.1.2.
func HA1(username, realm, password string) string {
	return md5Hex(username + ":" + realm + ":" + password)
}

// HA2 computes hex(md5("method:digestURI")) for the "auth" (or unset) qop
// case, the only one spec.md's digest helper needs to support.
func HA2(method, digestURI string) string {
	return md5Hex(method + ":" + digestURI)
}

// DigestResponse computes hex(md5("HA1:nonce:HA2")) per RFC 2069 section 2.1.2.
func DigestResponse(ha1, nonce, ha2 string) string {
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
