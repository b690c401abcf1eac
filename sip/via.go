package sip

import (
	"strconv"
	"strings"
)

// ViaValue is the typed view over a Via header value:
//
//	SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds
type ViaValue struct {
	ProtocolName    string
	ProtocolVersion string
	Transport       string
	Host            string
	Port            int
	Params          HeaderParams
}

// ParseViaValue parses one Via value (a single sent-protocol/sent-by plus
// its parameters; a comma-joined header line is split into one ViaValue
// per item by the message parser before this is called).
func ParseViaValue(raw string) (ViaValue, error) {
	v := ParseValue(raw)

	// prefix is "SIP/2.0/UDP host[:port]"
	fields := strings.Fields(v.Prefix)
	if len(fields) != 2 {
		return ViaValue{}, ErrProtocolViolation
	}

	protoParts := strings.SplitN(fields[0], "/", 3)
	if len(protoParts) != 3 {
		return ViaValue{}, ErrProtocolViolation
	}

	vv := ViaValue{
		ProtocolName:    protoParts[0],
		ProtocolVersion: protoParts[1],
		Transport:       protoParts[2],
		Params:          v.Params,
	}

	hostPort := fields[1]
	if idx := strings.LastIndexByte(hostPort, ':'); idx >= 0 {
		vv.Host = hostPort[:idx]
		if p, err := strconv.Atoi(hostPort[idx+1:]); err == nil {
			vv.Port = p
		}
	} else {
		vv.Host = hostPort
	}

	return vv, nil
}

// Branch returns the "branch" parameter, the RFC 3261 section 8.1.1.7
// transaction-correlation token.
func (v ViaValue) Branch() (string, bool) {
	return v.Params.Get("branch")
}

func (v ViaValue) String() string {
	var b strings.Builder
	b.WriteString(v.ProtocolName)
	b.WriteByte('/')
	b.WriteString(v.ProtocolVersion)
	b.WriteByte('/')
	b.WriteString(v.Transport)
	b.WriteByte(' ')
	b.WriteString(v.Host)
	if v.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(v.Port))
	}
	if v.Params.Length() > 0 {
		b.WriteByte(';')
		b.WriteString(v.Params.ToString(';'))
	}
	return b.String()
}
