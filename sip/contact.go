package sip

import (
	"strconv"
	"strings"
)

// ContactValue is the typed view over a Contact/To/From/Route/Record-Route
// Value: a display name, the address-spec URI, and the value's parameters
// (tag, expires, q, ...).
type ContactValue struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
	Wildcard    bool
}

// ParseContactValue builds a ContactValue from one comma-separated item of
// a Contact/To/From/Route/Record-Route header.
func ParseContactValue(raw string) (ContactValue, error) {
	v := ParseValue(raw)

	if strings.TrimSpace(v.Prefix) == "*" {
		return ContactValue{Wildcard: true, Params: v.Params}, nil
	}

	display, uriStr := addrSpec(v.Prefix)
	var uri Uri
	if err := ParseUri(uriStr, &uri); err != nil {
		return ContactValue{}, err
	}

	return ContactValue{DisplayName: display, Address: uri, Params: v.Params}, nil
}

// Tag returns the "tag" parameter, used on To/From to identify a dialog
// leg.
func (c ContactValue) Tag() (string, bool) {
	return c.Params.Get("tag")
}

// Expires returns the "expires" parameter in seconds, and whether it was
// present.
func (c ContactValue) Expires() (int, bool) {
	s, ok := c.Params.Get("expires")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c ContactValue) String() string {
	var b strings.Builder
	if c.Wildcard {
		b.WriteByte('*')
	} else {
		b.WriteString(wrapAddr(c.DisplayName, c.Address.String()))
	}
	if c.Params.Length() > 0 {
		b.WriteByte(';')
		b.WriteString(c.Params.ToString(';'))
	}
	return b.String()
}
