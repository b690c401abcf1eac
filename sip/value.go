package sip

import (
	"io"
	"strings"
)

// Value is the generic parsed representation of a header value: a textual
// prefix (a URI, a token, a quoted display name, or free text) followed by
// zero or more semicolon-delimited parameters.
//
// Via, Route, Record-Route, Contact and every other parameterized header
// share this one representation; callers that need header-specific fields
// (Contact's expires, CSeq's sequence number, Authenticate's challenge
// fields) build a typed view over it with ParseContactValue, ParseCSeqValue,
// ParseAuthenticateValue and NewAuthorizationValue instead of the package
// defining a distinct Go type per header.
type Value struct {
	Prefix string
	Params HeaderParams
}

// ParseValue parses a single header value (one item of a comma-joined
// header) into a Value. Semicolons inside quotes or angle brackets are not
// treated as parameter separators.
func ParseValue(raw string) Value {
	raw = strings.TrimSpace(raw)

	sepIdx := findUnescaped(raw, ';', quotesDelim, anglesDelim)
	if sepIdx < 0 {
		return Value{Prefix: raw, Params: NewParams()}
	}

	v := Value{Prefix: raw[:sepIdx], Params: NewParams()}
	UnmarshalHeaderParams(raw[sepIdx+1:], ';', 0, &v.Params)
	return v
}

func (v Value) String() string {
	var b strings.Builder
	v.StringWrite(&b)
	return b.String()
}

func (v Value) StringWrite(b io.StringWriter) {
	b.WriteString(v.Prefix)
	if v.Params.Length() > 0 {
		b.WriteString(";")
		b.WriteString(v.Params.ToString(';'))
	}
}

// addrSpec extracts the bracket-delimited URI from a Value.Prefix that may
// carry a display name, e.g. `"Alice" <sip:alice@atlanta.com>` -> the
// "sip:alice@atlanta.com" substring. If no angle brackets are present the
// whole trimmed prefix is returned (the bare-URI form RFC 3261 also allows
// for Contact/To/From outside of a comma-separated list).
func addrSpec(prefix string) (displayName, uri string) {
	prefix = strings.TrimSpace(prefix)
	start := strings.IndexByte(prefix, '<')
	if start < 0 {
		return "", prefix
	}
	end := strings.IndexByte(prefix[start:], '>')
	if end < 0 {
		return strings.TrimSpace(prefix[:start]), strings.TrimSpace(prefix[start+1:])
	}
	displayName = strings.Trim(strings.TrimSpace(prefix[:start]), "\"")
	uri = prefix[start+1 : start+end]
	return displayName, uri
}

func wrapAddr(displayName, uri string) string {
	var b strings.Builder
	if displayName != "" {
		b.WriteByte('"')
		b.WriteString(displayName)
		b.WriteString("\" ")
	}
	b.WriteByte('<')
	b.WriteString(uri)
	b.WriteByte('>')
	return b.String()
}
