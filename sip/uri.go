package sip

import (
	"io"
	"strconv"
	"strings"
)

// Uri is a parsed sip: or sips: URI per RFC 3261 section 19.1.1:
//
//	sip:user:password@host:port;uri-parameters?headers
type Uri struct {
	// Scheme is "sip" or "sips", lower-cased.
	Scheme string

	// Wildcard marks the special "*" URI used in Contact headers to
	// de-register all bindings.
	Wildcard bool

	User     string
	Password string
	Host     string
	Port     int

	UriParams HeaderParams
	Headers   HeaderParams
}

// IsEncrypted reports whether the URI uses the sips scheme.
func (u *Uri) IsEncrypted() bool {
	return u.Scheme == "sips"
}

// Addr returns the "user@host:port" form used as the digest auth URI and in
// log lines, without parameters or headers.
func (u *Uri) Addr() string {
	var b strings.Builder
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.HostPort())
	return b.String()
}

// HostPort returns "host:port", or just "host" when no port is set.
func (u *Uri) HostPort() string {
	if u.Port <= 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// Endpoint returns "user@host:port", the routing destination of the URI.
func (u *Uri) Endpoint() string {
	return u.Addr()
}

func (u *Uri) String() string {
	var b strings.Builder
	u.StringWrite(&b)
	return b.String()
}

func (u *Uri) StringWrite(b io.StringWriter) {
	if u.Wildcard {
		b.WriteString("*")
		return
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	b.WriteString(scheme)
	b.WriteString(":")

	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteString(":")
			b.WriteString(u.Password)
		}
		b.WriteString("@")
	}

	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}

	if u.UriParams.Length() > 0 {
		b.WriteString(";")
		b.WriteString(u.UriParams.ToString(';'))
	}

	if u.Headers.Length() > 0 {
		b.WriteString("?")
		b.WriteString(u.Headers.ToString('&'))
	}
}

// Clone returns a deep copy of the URI, including its parameter slices.
func (u *Uri) Clone() *Uri {
	c := *u
	c.UriParams = u.UriParams.Clone()
	c.Headers = u.Headers.Clone()
	return &c
}

// Equals reports whether two URIs refer to the same resource, comparing
// scheme, user and host case-sensitively and port numerically. Parameters
// are not compared; RFC 3261 section 19.1.4 equality is out of scope.
func (u *Uri) Equals(other *Uri) bool {
	if other == nil {
		return false
	}
	return u.Scheme == other.Scheme &&
		u.User == other.User &&
		u.Host == other.Host &&
		u.Port == other.Port
}
