package sipcore

import (
	"context"
	"testing"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/siptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialogServerContact() sip.ContactValue {
	return sip.ContactValue{
		Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5099},
		Params:  sip.NewParams(),
	}
}

func TestDialogServerReadInviteNoContact(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	client, err := NewClient(ua)
	require.Nil(t, err)
	defer client.Close()

	dialogSrv := NewDialogServer(client, dialogServerContact())

	invite, _, _ := createTestInvite(t, "udp", "127.0.0.2:5060")
	invite.Headers().Remove("contact")
	tx := siptest.NewServerTxRecorder(invite)

	_, err = dialogSrv.ReadInvite(invite, tx)
	require.ErrorIs(t, err, ErrDialogInviteNoContact)
}

func TestDialogServerByeOutsideDialog(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	client, err := NewClient(ua)
	require.Nil(t, err)
	defer client.Close()

	dialogSrv := NewDialogServer(client, dialogServerContact())

	bye := createTestBye(t, "udp", "127.0.0.2:5060", "gotest-nonexistent", sip.GenerateTag(), sip.GenerateTag())
	tx := siptest.NewServerTxRecorder(bye)

	err = dialogSrv.ReadBye(bye, tx)
	require.ErrorIs(t, err, ErrDialogDoesNotExists)

	resps := tx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, sip.StatusCallTransactionDoesNotExist, resps[0].StatusCode)
}

func TestDialogServerByeInvalidCseq(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	client, err := NewClient(ua)
	require.Nil(t, err)
	defer client.Close()

	dialogSrv := NewDialogServer(client, dialogServerContact())

	invite, callid, ftag := createTestInvite(t, "udp", "127.0.0.2:5060")
	tx := siptest.NewServerTxRecorder(invite)

	dtx, err := dialogSrv.ReadInvite(invite, tx)
	require.Nil(t, err)
	require.Nil(t, dtx.Respond(sip.StatusOK, "OK", nil))

	okResp := tx.Result()[0]
	to, _ := okResp.ToValue()
	totag, _ := to.Tag()

	// A BYE whose CSeq is not INVITE's CSeq+1 must be rejected.
	bye := createTestBye(t, "udp", "127.0.0.2:5060", callid, ftag, totag)
	bye.Headers().Set("CSeq", "99 BYE")
	byeTx := siptest.NewServerTxRecorder(bye)

	require.Nil(t, dialogSrv.ReadBye(bye, byeTx))

	resps := byeTx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, sip.StatusBadRequest, resps[0].StatusCode)
}

func TestDialogServerTransactionRequestRouteSet(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	client, err := NewClient(ua)
	require.Nil(t, err)
	defer client.Close()

	dialogSrv := NewDialogServer(client, dialogServerContact())

	invite, _, _ := createTestInvite(t, "udp", "127.0.0.2:5060")
	invite.Headers().Append(sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>"))
	invite.Headers().Append(sip.NewHeader("Record-Route", "<sip:p2.example.com;lr>"))

	tx := siptest.NewServerTxRecorder(invite)
	dtx, err := dialogSrv.ReadInvite(invite, tx)
	require.Nil(t, err)
	require.Nil(t, dtx.Respond(sip.StatusOK, "OK", nil))

	// The TxRequester answers with 200 OK without any network; the test
	// checks the Route headers TransactionRequest built from the
	// Record-Route set.
	reinvite := sip.NewRequest(sip.INVITE, invite.Recipient)
	client.TxRequester = &siptest.ClientTxRequesterResponder{
		OnRequest: func(req *sip.Request, w *siptest.ClientTxResponder) {
			w.Receive(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		},
	}

	_, err = dtx.TransactionRequest(context.Background(), reinvite)
	require.NoError(t, err)

	routes := reinvite.Headers().GetAll("route")
	require.Len(t, routes, 2)
	assert.Equal(t, "<sip:p2.example.com;lr>", routes[0].Value())
	assert.Equal(t, "<sip:p1.example.com;lr>", routes[1].Value())
}

func TestDialogServerSessionClose(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	client, err := NewClient(ua)
	require.Nil(t, err)
	defer client.Close()

	dialogSrv := NewDialogServer(client, dialogServerContact())

	invite, _, _ := createTestInvite(t, "udp", "127.0.0.2:5060")
	tx := siptest.NewServerTxRecorder(invite)

	dtx, err := dialogSrv.ReadInvite(invite, tx)
	require.Nil(t, err)

	require.NoError(t, dtx.Close())

	bye := createTestBye(t, "udp", "127.0.0.2:5060", "gotest-unused", sip.GenerateTag(), sip.GenerateTag())
	byeTx := siptest.NewServerTxRecorder(bye)
	err = dialogSrv.ReadBye(bye, byeTx)
	require.ErrorIs(t, err, ErrDialogDoesNotExists)
}
