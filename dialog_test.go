package sipcore

import (
	"testing"
	"time"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/siptest"

	"github.com/stretchr/testify/require"
)

func TestDialogServer(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	client, err := NewClient(ua)
	require.Nil(t, err)
	defer client.Close()

	contactHDR := sip.ContactValue{
		Address: sip.Uri{User: "test", Host: "test.com"},
		Params:  sip.NewParams(),
	}

	dialogSrv := NewDialogServer(client, contactHDR)

	invite, _, _ := createTestInvite(t, "udp", "127.0.0.2:5060")
	tx := siptest.NewServerTxRecorder(invite)

	dtx, err := dialogSrv.ReadInvite(invite, tx)
	require.Nil(t, err)

	require.Nil(t, dtx.Respond(sip.StatusTrying, "Trying", nil))
	require.Nil(t, dtx.Respond(sip.StatusRinging, "Ringing", nil))
	require.Nil(t, dtx.Respond(sip.StatusOK, "OK", nil))

	resps := tx.Result()
	require.Len(t, resps, 3)
	for _, r := range resps {
		ch := r.Headers().Get("contact")
		require.NotNil(t, ch)
		cv, err := sip.ParseContactValue(ch.Value())
		require.Nil(t, err)
		require.Equal(t, contactHDR.Address, cv.Address)
	}

	okResp := resps[2]
	require.Equal(t, sip.StatusOK, okResp.StatusCode)

	// Sending ACK
	ack := sip.NewAckRequest(invite, okResp, nil)
	ackTx := siptest.NewServerTxRecorder(ack)
	require.Nil(t, dialogSrv.ReadAck(ack, ackTx))
	require.Len(t, ackTx.Result(), 0)

	// Sending BYE
	callID, _ := invite.CallID()
	from, _ := invite.FromValue()
	to, _ := okResp.ToValue()
	fromTag, _ := from.Tag()
	toTag, _ := to.Tag()

	bye := createTestBye(t, "udp", "127.0.0.2:5060", callID, fromTag, toTag)
	byeTx := siptest.NewServerTxRecorder(bye)
	time.AfterFunc(1*time.Second, func() {
		byeTx.Terminate()
	})

	require.Nil(t, dialogSrv.ReadBye(bye, byeTx))

	resps = byeTx.Result()
	require.Len(t, resps, 1)
	require.Equal(t, sip.StatusOK, resps[0].StatusCode)
}
