package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCollectionCompactAlias(t *testing.T) {
	hc := NewHeaderCollection()
	require.NoError(t, hc.Add("v", "SIP/2.0/UDP pbx.example.com;branch=z9hG4bK1"))

	h := hc.Get("Via")
	require.NotNil(t, h)
	assert.Equal(t, "Via", h.Name)
	assert.Equal(t, "SIP/2.0/UDP pbx.example.com;branch=z9hG4bK1", h.Value())

	// lookup also succeeds through the compact form
	assert.Same(t, h, hc.Get("v"))
}

func TestHeaderCollectionSpecialSingleInstance(t *testing.T) {
	hc := NewHeaderCollection()
	require.NoError(t, hc.Add("Call-ID", "abc123"))
	err := hc.Add("Call-ID", "def456")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHeaderCollectionOrdinaryHeaderFolds(t *testing.T) {
	hc := NewHeaderCollection()
	require.NoError(t, hc.Add("Contact", "<sip:a@b>"))
	require.NoError(t, hc.Add("Contact", "<sip:c@d>"))

	h := hc.Get("Contact")
	require.NotNil(t, h)
	assert.Equal(t, []string{"<sip:a@b>", "<sip:c@d>"}, h.Values)
}

func TestHeaderCollectionPrependOrder(t *testing.T) {
	hc := NewHeaderCollection()
	require.NoError(t, hc.Add("Call-ID", "abc"))
	hc.Prepend(NewHeader("Via", "SIP/2.0/UDP a.com;branch=z9hG4bK1"))
	hc.Prepend(NewHeader("Via", "SIP/2.0/UDP b.com;branch=z9hG4bK2"))

	all := hc.GetAll("via")
	require.Len(t, all, 2)
	assert.Contains(t, all[0].Value(), "b.com")
}

func TestHeaderCollectionRemove(t *testing.T) {
	hc := NewHeaderCollection()
	require.NoError(t, hc.Add("Max-Forwards", "70"))
	hc.Remove("max-forwards")
	assert.Nil(t, hc.Get("Max-Forwards"))
}
