package sip

import "errors"

// ErrProtocolViolation is returned when a message carries a malformed or
// duplicated header field that RFC 3261 requires be singular.
var ErrProtocolViolation = errors.New("sip: protocol violation")

// ErrUnsupportedDigestAlgorithm is returned by the digest helpers when asked
// to use anything other than MD5, the only algorithm RFC 2069/3261 basic
// digest auth defines.
var ErrUnsupportedDigestAlgorithm = errors.New("sip: unsupported digest algorithm")

// ErrMissingHeader is returned when building a response or transaction key
// from a request that lacks a header the operation requires.
var ErrMissingHeader = errors.New("sip: missing required header")

// ErrTransactionCanceled marks a dialog ended because its INVITE
// transaction received a CANCEL before a final response went out.
var ErrTransactionCanceled = errors.New("sip: transaction canceled")
