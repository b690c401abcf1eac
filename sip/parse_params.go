package sip

import (
	"strings"
	"unicode"
)

const (
	paramsStateKey = iota
	paramsStateEqual
	paramsStateValue
	paramsStateQuote
)

// UnmarshalHeaderParams scans s for seperator-joined key[=value] pairs,
// stopping at the first unquoted ending rune (pass 0 to scan to the end of
// s), and adds each pair to p. Quoted values may contain the seperator or
// ending rune; leading whitespace after a seperator is skipped so "a=b, c=d" parses the same as "a=b,c=d".
func UnmarshalHeaderParams(s string, seperator rune, ending rune, p *HeaderParams) (n int, err error) {
	var start, sep, quote int = -1, 0, -1
	state := paramsStateKey

	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	n = len(s)
	for i, c := range s {
		if ending != 0 && c == ending {
			n = i
			break
		}

		switch state {
		case paramsStateKey:
			if unicode.IsSpace(c) || c == seperator {
				continue
			}
			sep = 0
			start = i
			state = paramsStateEqual

		case paramsStateEqual:
			if c == seperator {
				p.Add(s[start:i], "")
				state = paramsStateKey
				continue
			}
			if c != '=' {
				continue
			}
			sep = i
			state = paramsStateValue

		case paramsStateValue:
			switch c {
			case '"':
				state = paramsStateQuote
				quote = i
			case seperator:
				p.Add(s[start:sep], s[sep+1:i])
				state = paramsStateKey
			}
		case paramsStateQuote:
			if c != '"' {
				continue
			}
			p.Add(s[start:sep], s[quote+1:i])
			state = paramsStateKey
		}
	}

	if start < 0 {
		return n, nil
	}

	switch state {
	case paramsStateEqual:
		// trailing key with no '=' and no value, e.g. "...;lr"
		p.Add(s[start:n], "")
	case paramsStateValue:
		if sep < n {
			p.Add(s[start:sep], s[sep+1:n])
		}
	}

	return n, nil
}
