package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMessage parses a complete SIP message (request or response) off the
// wire. Embedded commas inside ordinary header values and header-value
// line folding beyond the simple multi-line Via/Route case are not
// supported; see the module's Non-goals.
func ParseMessage(raw []byte) (Message, error) {
	text := string(raw)

	lineEnd := strings.Index(text, "\r\n")
	if lineEnd < 0 {
		return nil, fmt.Errorf("%w: no CRLF after start line", ErrProtocolViolation)
	}
	startLine := text[:lineEnd]
	rest := text[lineEnd+2:]

	headerBlock, body := splitHeadersBody(rest)

	if strings.HasPrefix(startLine, "SIP/") {
		resp, err := parseStatusLine(startLine)
		if err != nil {
			return nil, err
		}
		if err := parseHeaderBlock(headerBlock, resp.headers); err != nil {
			return nil, err
		}
		resp.body = trimToContentLength(body, resp.headers)
		return resp, nil
	}

	req, err := parseRequestLine(startLine)
	if err != nil {
		return nil, err
	}
	if err := parseHeaderBlock(headerBlock, req.headers); err != nil {
		return nil, err
	}
	req.body = trimToContentLength(body, req.headers)
	return req, nil
}

func splitHeadersBody(s string) (headerBlock, body string) {
	if idx := strings.Index(s, "\r\n\r\n"); idx >= 0 {
		return s[:idx+2], s[idx+4:]
	}
	return s, ""
}

func trimToContentLength(body string, headers *HeaderCollection) []byte {
	h := headers.Get("content-length")
	if h == nil {
		return []byte(body)
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil || n < 0 || n > len(body) {
		return []byte(body)
	}
	return []byte(body[:n])
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrProtocolViolation, line)
	}

	var uri Uri
	if err := ParseUri(parts[1], &uri); err != nil {
		return nil, fmt.Errorf("malformed request-URI: %w", err)
	}

	req := NewRequest(RequestMethod(parts[0]), uri)
	req.SipVersion = parts[2]
	return req, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocolViolation, line)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed status code %q", ErrProtocolViolation, parts[1])
	}

	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	resp := NewResponse(code, reason)
	resp.SipVersion = parts[0]
	return resp, nil
}

// parseHeaderBlock parses CRLF-separated header lines, folding continuation
// lines (leading SP/HTAB) into the previous line, and splitting ordinary
// comma-joined multi-value headers (other than Via/Route/Record-Route,
// which RFC 3261 section 7.3.1 already keeps on separate lines and whose
// commas may appear inside quoted display names).
func parseHeaderBlock(block string, headers *HeaderCollection) error {
	lines := foldHeaderLines(strings.Split(strings.TrimRight(block, "\r\n"), "\r\n"))

	for _, line := range lines {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return fmt.Errorf("%w: malformed header line %q", ErrProtocolViolation, line)
		}

		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		key := canonicalHeaderName(name)

		if key == "via" || key == "route" || key == "record-route" {
			for _, item := range splitViaStyleValues(value) {
				if err := headers.Add(name, strings.TrimSpace(item)); err != nil {
					return err
				}
			}
			continue
		}

		if err := headers.Add(name, value); err != nil {
			return err
		}
	}

	return nil
}

func foldHeaderLines(rawLines []string) []string {
	var lines []string
	for _, l := range rawLines {
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// splitViaStyleValues splits a Via/Route/Record-Route header value on
// unescaped commas; unlike generic comma-joined headers these headers may
// legally carry multiple logical values on one line (RFC 3261 section
// 7.3.1) while their params or quoted display names may themselves contain
// commas.
func splitViaStyleValues(value string) []string {
	var out []string
	for {
		idx := findUnescaped(value, ',', quotesDelim, anglesDelim)
		if idx < 0 {
			out = append(out, value)
			return out
		}
		out = append(out, value[:idx])
		value = value[idx+1:]
	}
}
