package sip

import (
	"io"
	"strings"
)

// compactAliases maps the RFC 3261 section 7.3.3 compact header forms to
// their canonical long names.
var compactAliases = map[string]string{
	"i": "call-id",
	"m": "contact",
	"e": "content-encoding",
	"l": "content-length",
	"c": "content-type",
	"f": "from",
	"s": "subject",
	"k": "supported",
	"t": "to",
	"v": "via",
}

// specialHeaders must appear at most once on a message; a second occurrence
// is a protocol violation rather than an additional value to fold in.
var specialHeaders = map[string]bool{
	"www-authenticate":    true,
	"authorization":       true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"date":                true,
	"subject":             true,
	"supported":           true,
	"unsupported":         true,
	"require":             true,
	"user-agent":          true,
	"call-id":             true,
	"cseq":                true,
	"content-length":      true,
	"content-type":        true,
	"max-forwards":        true,
}

// headerOrder lists the canonical header names written first, and in this
// order, when a message is serialized. Any header not listed here is
// written afterwards in collection order.
var headerOrder = []string{"via", "route", "record-route", "proxy-require", "max-forwards", "proxy-authorization"}

func canonicalHeaderName(name string) string {
	lower := HeaderToLower(name)
	if long, ok := compactAliases[lower]; ok {
		return long
	}
	return lower
}

// Header is one named field of a SIP message. Values holds one entry per
// occurrence on the wire for ordinary multi-valued headers (Route, Contact,
// Via when they arrive as separate header lines), or the single folded
// value for a Special header.
type Header struct {
	Name    string
	Values  []string
	Special bool
}

// Value returns the first (or only) value, or "" if the header is empty.
func (h *Header) Value() string {
	if h == nil || len(h.Values) == 0 {
		return ""
	}
	return h.Values[0]
}

// String renders the header as "Name: value[,value...]" with no trailing
// CRLF.
func (h *Header) String() string {
	var b strings.Builder
	b.WriteString(h.Name)
	b.WriteString(": ")
	b.WriteString(strings.Join(h.Values, ", "))
	return b.String()
}

// NewHeader builds a single-value header, canonicalizing its name.
func NewHeader(name, value string) *Header {
	key := canonicalHeaderName(name)
	return &Header{Name: displayName(name, key), Values: []string{value}, Special: specialHeaders[key]}
}

func displayName(original, key string) string {
	// Preserve a conventional display form for common headers; otherwise
	// keep the caller's own casing for headers we don't special-case.
	switch key {
	case "call-id":
		return "Call-ID"
	case "cseq":
		return "CSeq"
	case "via":
		return "Via"
	case "from":
		return "From"
	case "to":
		return "To"
	case "contact":
		return "Contact"
	case "content-length":
		return "Content-Length"
	case "content-type":
		return "Content-Type"
	case "max-forwards":
		return "Max-Forwards"
	case "www-authenticate":
		return "WWW-Authenticate"
	case "authorization":
		return "Authorization"
	case "proxy-authenticate":
		return "Proxy-Authenticate"
	case "proxy-authorization":
		return "Proxy-Authorization"
	case "route":
		return "Route"
	case "record-route":
		return "Record-Route"
	case "user-agent":
		return "User-Agent"
	}
	return original
}

// HeaderCollection is an ordered set of headers as they appear on a
// message. Lookups are case-insensitive and compact-alias aware; insertion
// order of distinct header names is preserved.
type HeaderCollection struct {
	headers []*Header
}

// NewHeaderCollection returns an empty collection.
func NewHeaderCollection() *HeaderCollection {
	return &HeaderCollection{}
}

// Get returns the header matching name (canonicalized), or nil.
func (hc *HeaderCollection) Get(name string) *Header {
	key := canonicalHeaderName(name)
	for _, h := range hc.headers {
		if canonicalHeaderName(h.Name) == key {
			return h
		}
	}
	return nil
}

// GetAll returns every header with the given canonical name, in the rare
// case more than one ordinary header line shares a name (e.g. two separate
// Route header lines rather than one comma-joined line).
func (hc *HeaderCollection) GetAll(name string) []*Header {
	key := canonicalHeaderName(name)
	var out []*Header
	for _, h := range hc.headers {
		if canonicalHeaderName(h.Name) == key {
			out = append(out, h)
		}
	}
	return out
}

// Add appends a header value. If name identifies a Special header and one
// already exists, ErrProtocolViolation is returned instead of silently
// folding the values together. Ordinary headers with the same name get
// their value appended to the existing Header rather than creating a
// second Header entry, matching how a comma-joined header line is modeled.
func (hc *HeaderCollection) Add(name, value string) error {
	key := canonicalHeaderName(name)
	if existing := hc.Get(key); existing != nil {
		if specialHeaders[key] {
			return ErrProtocolViolation
		}
		existing.Values = append(existing.Values, value)
		return nil
	}

	hc.headers = append(hc.headers, NewHeader(name, value))
	return nil
}

// Set replaces all existing occurrences of name with a single value.
func (hc *HeaderCollection) Set(name, value string) {
	hc.Remove(name)
	hc.headers = append(hc.headers, NewHeader(name, value))
}

// Prepend inserts h at the front of the collection, used for Via and
// Record-Route headers added by a proxy hop.
func (hc *HeaderCollection) Prepend(h *Header) {
	hc.headers = append([]*Header{h}, hc.headers...)
}

// Append adds h at the back of the collection without folding it into an
// existing header of the same name.
func (hc *HeaderCollection) Append(h *Header) {
	hc.headers = append(hc.headers, h)
}

// Remove deletes every header matching name.
func (hc *HeaderCollection) Remove(name string) {
	key := canonicalHeaderName(name)
	kept := hc.headers[:0]
	for _, h := range hc.headers {
		if canonicalHeaderName(h.Name) != key {
			kept = append(kept, h)
		}
	}
	hc.headers = kept
}

// All returns the headers in wire order.
func (hc *HeaderCollection) All() []*Header {
	return hc.headers
}

// Clone returns a deep copy of the collection.
func (hc *HeaderCollection) Clone() *HeaderCollection {
	out := &HeaderCollection{headers: make([]*Header, len(hc.headers))}
	for i, h := range hc.headers {
		values := make([]string, len(h.Values))
		copy(values, h.Values)
		out.headers[i] = &Header{Name: h.Name, Values: values, Special: h.Special}
	}
	return out
}

// StringWrite serializes every header as "Name: value\r\n", writing the
// headerOrder list first (in that fixed order) and all remaining headers
// afterward in collection order.
func (hc *HeaderCollection) StringWrite(b io.StringWriter) {
	written := make(map[*Header]bool, len(hc.headers))

	for _, name := range headerOrder {
		for _, h := range hc.GetAll(name) {
			writeHeaderLine(b, h)
			written[h] = true
		}
	}

	for _, h := range hc.headers {
		if written[h] {
			continue
		}
		writeHeaderLine(b, h)
	}
}

func writeHeaderLine(b io.StringWriter, h *Header) {
	b.WriteString(h.Name)
	b.WriteString(": ")
	switch canonicalHeaderName(h.Name) {
	case "via", "route", "record-route":
		// Via/Route/Record-Route keep each occurrence on its own line when
		// more than one value was collected; everything else is
		// comma-joined per RFC 3261 section 7.3.1.
		b.WriteString(strings.Join(h.Values, ",\r\n "))
	default:
		if h.Special {
			b.WriteString(h.Values[0])
		} else {
			b.WriteString(strings.Join(h.Values, ", "))
		}
	}
	b.WriteString("\r\n")
}
