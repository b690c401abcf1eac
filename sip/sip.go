package sip

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DialogState tracks a dialog's progress through RFC 3261 section 12.
type DialogState int

const (
	// DialogStateEstablished marks receipt of a 2xx response to INVITE.
	DialogStateEstablished DialogState = iota + 1
	// DialogStateConfirmed marks receipt of the ACK completing the
	// three-way INVITE handshake.
	DialogStateConfirmed
	// DialogStateEnded marks a BYE (or a failed/cancelled setup).
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEstablished:
		return "established"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

const dialogIDSeparator = "__"

// DialogIDFromResponse builds a dialog ID from a response, keying on
// Call-ID/To-tag/From-tag per RFC 3261 section 12.1.1.
func DialogIDFromResponse(msg *Response) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS builds the dialog ID a UAS (the side that received
// the request) uses to look up its dialog.
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC builds the dialog ID a UAC (the side that sent the
// request) uses to look up its dialog; From/To are swapped relative to the
// UAS's view.
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, fromTag, toTag), nil
}

func dialogIDParts(msg Message) (callID, toTag, fromTag string, err error) {
	callID, ok := msg.CallID()
	if !ok {
		return "", "", "", fmt.Errorf("%w: missing Call-ID header", ErrMissingHeader)
	}

	to, ok := msg.ToValue()
	if !ok {
		return "", "", "", fmt.Errorf("%w: missing To header", ErrMissingHeader)
	}
	toTag, ok = to.Tag()
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in To header")
	}

	from, ok := msg.FromValue()
	if !ok {
		return "", "", "", fmt.Errorf("%w: missing From header", ErrMissingHeader)
	}
	fromTag, ok = from.Tag()
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in From header")
	}

	return callID, toTag, fromTag, nil
}

// DialogIDMake joins the three components of a dialog ID.
func DialogIDMake(callID, innerTag, externalTag string) string {
	return strings.Join([]string{callID, innerTag, externalTag}, dialogIDSeparator)
}

// RFC3261BranchMagicCookie prefixes every branch parameter generated by a
// transaction-stateful element. Its presence marks a message as coming from
// an RFC 3261 compliant element and is used to derive the transaction key.
const RFC3261BranchMagicCookie = "z9hG4bK"

// GenerateBranch returns a random branch token prefixed with the RFC 3261
// magic cookie, sourced from a UUIDv4.
func GenerateBranch() string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + 33)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteByte('.')
	writeUUIDHex(sb)
	return sb.String()
}

// GenerateBranchN returns a random branch token of n random characters,
// for callers that need a specific token length rather than UUID entropy.
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteByte('.')
	RandStringBytesMask(sb, n)
	return sb.String()
}

// GenerateTag returns a random tag suitable for a From/To tag parameter,
// sourced from a UUIDv4.
func GenerateTag() string {
	sb := &strings.Builder{}
	writeUUIDHex(sb)
	return sb.String()
}

// GenerateTagN returns a random tag of n characters.
func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// GenerateCSeqSeqNo returns a random initial CSeq sequence number, per
// RFC 3261 section 8.1.1.5's recommendation that it start from an
// unpredictable value below 2**31.
func GenerateCSeqSeqNo() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return binary.BigEndian.Uint32(b[:]) % (1 << 31)
}

// writeUUIDHex writes a UUIDv4 to sb as 32 lowercase hex characters, with
// the separating dashes removed.
func writeUUIDHex(sb *strings.Builder) {
	id := uuid.New()
	for _, b := range id {
		const hex = "0123456789abcdef"
		sb.WriteByte(hex[b>>4])
		sb.WriteByte(hex[b&0x0f])
	}
}
