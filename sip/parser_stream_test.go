package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserStreamSplitAcrossReads(t *testing.T) {
	raw := strings.Join([]string{
		"OPTIONS sip:bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/TCP pc33.atlanta.com;branch=z9hG4bK776asdhds",
		"Call-ID: stream-test",
		"CSeq: 1 OPTIONS",
		"Content-Length: 5",
		"",
		"hello",
	}, "\r\n")

	par := NewParser()
	stream := par.NewSIPStream()

	first := raw[:20]
	second := raw[20:]

	_, err := stream.ParseSIPStream([]byte(first))
	require.ErrorIs(t, err, ErrParseSipPartial)

	msg, err := stream.ParseSIPStream([]byte(second))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, OPTIONS, req.Method)
	assert.Equal(t, "hello", string(req.Body()))
}

func TestParserStreamTwoMessagesOneRead(t *testing.T) {
	one := strings.Join([]string{
		"OPTIONS sip:bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/TCP pc33.atlanta.com;branch=z9hG4bK1",
		"Call-ID: first",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	two := strings.Join([]string{
		"OPTIONS sip:bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/TCP pc33.atlanta.com;branch=z9hG4bK2",
		"Call-ID: second",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	par := NewParser()
	stream := par.NewSIPStream()

	msg, err := stream.ParseSIPStream([]byte(one + two))
	require.NoError(t, err)
	cid, _ := msg.(*Request).CallID()
	assert.Equal(t, "first", cid)

	msg, err = stream.ParseSIPStream(nil)
	require.NoError(t, err)
	cid, _ = msg.(*Request).CallID()
	assert.Equal(t, "second", cid)
}
