package sip

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
)

const (
	letterBytes   = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	letterIdxBits = 6
	letterIdxMask = 1<<letterIdxBits - 1
	letterIdxMax  = 63 / letterIdxBits

	// abnf lists the characters that force a parameter value to be quoted on
	// serialization.
	abnf = " \t;,\"<>"
)

// RandStringBytesMask appends n random alphanumeric characters to sb.
// https://stackoverflow.com/questions/22892120/how-to-generate-a-random-string-of-a-fixed-length-in-go
func RandStringBytesMask(sb *strings.Builder, n int) string {
	sb.Grow(n)
	for i, cache, remain := n-1, rand.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = rand.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			sb.WriteByte(letterBytes[idx])
			i--
		}
		cache >>= letterIdxBits
		remain--
	}
	return sb.String()
}

// ASCIIToLower is faster than strings.ToLower for the common case of
// already-lowercase input, which is most of a SIP message.
func ASCIIToLower(s string) string {
	nonLowInd := -1
	for i, c := range s {
		if 'a' <= c && c <= 'z' {
			continue
		}
		nonLowInd = i
		break
	}
	if nonLowInd < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:nonLowInd])
	for i := nonLowInd; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ASCIIToUpper is the upper-case counterpart of ASCIIToLower, used when
// normalizing digest challenge algorithm tokens.
func ASCIIToUpper(s string) string {
	nonUpInd := -1
	for i, c := range s {
		if 'A' <= c && c <= 'Z' {
			continue
		}
		nonUpInd = i
		break
	}
	if nonUpInd < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:nonUpInd])
	for i := nonUpInd; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// HeaderToLower is a fast ASCII lower for the small set of headers looked up
// on every message.
func HeaderToLower(s string) string {
	switch s {
	case "Via", "via":
		return "via"
	case "From", "from":
		return "from"
	case "To", "to":
		return "to"
	case "Call-ID", "call-id":
		return "call-id"
	case "Contact", "contact":
		return "contact"
	case "CSeq", "CSEQ", "cseq":
		return "cseq"
	case "Content-Type", "content-type":
		return "content-type"
	case "Content-Length", "content-length", "l":
		return "content-length"
	case "Route", "route":
		return "route"
	case "Record-Route", "record-route":
		return "record-route"
	case "Max-Forwards", "max-forwards":
		return "max-forwards"
	}
	return ASCIIToLower(s)
}

// SplitByWhitespace splits text into whitespace-separated tokens.
func SplitByWhitespace(text string) []string {
	var buffer bytes.Buffer
	var inString = true
	result := make([]string, 0)

	for _, char := range text {
		if char == ' ' || char == '\t' {
			if inString {
				result = append(result, buffer.String())
				buffer.Reset()
			}
			inString = false
			continue
		}
		buffer.WriteRune(char)
		inString = true
	}

	if buffer.Len() > 0 {
		result = append(result, buffer.String())
	}

	return result
}

// delimiter is a pair of characters used for quoting a run of text when
// scanning for an unescaped separator (e.g. quotes, angle brackets).
type delimiter struct {
	start byte
	end   byte
}

var quotesDelim = delimiter{'"', '"'}
var anglesDelim = delimiter{'<', '>'}

// findUnescaped finds the first instance of target in text which is not
// enclosed in any of the given delimiters.
func findUnescaped(text string, target byte, delims ...delimiter) int {
	return findAnyUnescaped(text, string(target), delims...)
}

// findAnyUnescaped finds the first instance of any byte in targets which is
// not enclosed in any of the given delimiters.
func findAnyUnescaped(text string, targets string, delims ...delimiter) int {
	escaped := false
	var endEscape byte = 0

	endChars := make(map[byte]byte, len(delims))
	for _, d := range delims {
		endChars[d.start] = d.end
	}

	for idx := 0; idx < len(text); idx++ {
		if !escaped && strings.IndexByte(targets, text[idx]) >= 0 {
			return idx
		}

		if escaped {
			escaped = text[idx] != endEscape
			continue
		}
		endEscape, escaped = endChars[text[idx]]
	}

	return -1
}

// ResolveInterfacesIP inspects local network interfaces and returns an IP
// matching network ("ip4"/"ip6"), restricted to targetIP's subnet
// when given, and avoiding loopback addresses unless targetIP is loopback.
func ResolveInterfacesIP(network string, targetIP *net.IPNet) (net.IP, net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, net.Interface{}, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			if targetIP != nil && !targetIP.IP.IsLoopback() {
				continue
			}
		}

		ip, err := resolveInterfaceIP(iface, network, targetIP)
		if errors.Is(err, io.EOF) {
			continue
		}
		return ip, iface, err
	}

	return nil, net.Interface{}, errors.New("no interface found on system")
}

func resolveInterfaceIP(iface net.Interface, network string, targetIP *net.IPNet) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if targetIP != nil {
			if !targetIP.Contains(ip) {
				continue
			}
		} else if ip.IsLoopback() {
			continue
		}

		switch network {
		case "ip4":
			if ip.To4() == nil {
				continue
			}
		case "ip6":
			if ip.To4() != nil {
				continue
			}
		}

		return ip, nil
	}
	return nil, io.EOF
}

// ResolveSelfIP returns a non-loopback IP for the local host, used as the
// default Via/Contact host when none is configured.
func ResolveSelfIP() (net.IP, error) {
	ip, _, err := ResolveInterfacesIP("ip4", nil)
	return ip, err
}
