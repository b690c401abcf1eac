package sip

import (
	"os"

	"github.com/rs/zerolog"
)

var defLogger zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetDefaultLogger overrides the package-level logger used for message trace
// and parser diagnostics. Must be called before any other package usage to
// take full effect.
func SetDefaultLogger(l zerolog.Logger) {
	defLogger = l
}

// DefaultLogger returns the logger currently used by the sip package.
func DefaultLogger() zerolog.Logger {
	return defLogger
}

var sipTracer SIPTracer

// SIPTracer allows observing raw wire traffic, independent of DefaultLogger.
type SIPTracer interface {
	SIPTraceRead(transport, laddr, raddr string, msg []byte)
	SIPTraceWrite(transport, laddr, raddr string, msg []byte)
}

// SIPDebugTracer installs t as the raw traffic tracer.
func SIPDebugTracer(t SIPTracer) {
	sipTracer = t
}

func logSIPRead(transport, laddr, raddr string, msg []byte) {
	if sipTracer != nil {
		sipTracer.SIPTraceRead(transport, laddr, raddr, msg)
		return
	}
	defLogger.Debug().Str("transport", transport).Str("laddr", laddr).Str("raddr", raddr).
		Msg("sip read")
}

func logSIPWrite(transport, laddr, raddr string, msg []byte) {
	if sipTracer != nil {
		sipTracer.SIPTraceWrite(transport, laddr, raddr, msg)
		return
	}
	defLogger.Debug().Str("transport", transport).Str("laddr", laddr).Str("raddr", raddr).
		Msg("sip write")
}
