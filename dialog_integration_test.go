package sipcore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sipforge/sipcore/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startIntegrationServer(ctx context.Context, srv *Server, hostPort string) {
	go srv.ListenAndServe(ctx, "udp", hostPort)
	time.Sleep(200 * time.Millisecond)
}

func TestIntegrationDialog(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	ua, _ := NewUA()
	defer ua.Close()
	srv, _ := NewServer(ua)
	cli, _ := NewClient(ua)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uasContact := sip.ContactValue{
		Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5099},
		Params:  sip.NewParams(),
	}

	dialogSrv := NewDialogServer(cli, uasContact)

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := dialogSrv.ReadInvite(req, tx)
		require.NoError(t, err)

		require.NoError(t, dlg.Respond(sip.StatusTrying, "Trying", nil))
		require.NoError(t, dlg.Respond(sip.StatusRinging, "Ringing", nil))
		require.NoError(t, dlg.Respond(sip.StatusOK, "OK", nil))

		if dlg.LoadState() == sip.DialogStateEnded {
			return
		}

		time.Sleep(1 * time.Second)
		byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dlg.Bye(byeCtx)
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := dialogSrv.ReadAck(req, tx); err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		}
	})

	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := dialogSrv.ReadBye(req, tx); err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		}
	})

	startIntegrationServer(ctx, srv, uasContact.Address.HostPort())

	// Client
	{
		ua, _ := NewUA()
		defer ua.Close()

		srv, _ := NewServer(ua)
		cli, _ := NewClient(ua)

		contactHDR := sip.ContactValue{
			Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5088},
			Params:  sip.NewParams(),
		}
		dialogCli := NewDialogClient(cli, contactHDR)

		srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
			require.NoError(t, dialogCli.ReadBye(req, tx))
		})
		startIntegrationServer(ctx, srv, contactHDR.Address.HostPort())

		t.Run("UAShangup", func(t *testing.T) {
			sess, err := dialogCli.Invite(context.Background(), uasContact.Address, nil)
			require.NoError(t, err)
			defer sess.Close()

			require.NoError(t, sess.WaitAnswer(ctx, AnswerOptions{}))
			require.Equal(t, sip.StatusOK, sess.InviteResponse.StatusCode)

			require.NoError(t, sess.Ack(context.Background()))
		})

		t.Run("UAChangup", func(t *testing.T) {
			sess, err := dialogCli.Invite(context.Background(), uasContact.Address, nil)
			require.NoError(t, err)
			defer sess.Close()

			require.NoError(t, sess.WaitAnswer(ctx, AnswerOptions{}))
			require.Equal(t, sip.StatusOK, sess.InviteResponse.StatusCode)

			require.NoError(t, sess.Ack(context.Background()))
			require.NoError(t, sess.Bye(context.Background()))
		})
	}
}

func TestIntegrationDialogBrokenUAC(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	ua, _ := NewUA()
	defer ua.Close()
	srv, _ := NewServer(ua)
	cli, _ := NewClient(ua)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uasContact := sip.ContactValue{
		Address: sip.Uri{User: "test", Host: "127.0.0.201", Port: 5099},
		Params:  sip.NewParams(),
	}

	dialogSrv := NewDialogServer(cli, uasContact)

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := dialogSrv.ReadInvite(req, tx)
		require.NoError(t, err)

		if err := dlg.Respond(sip.StatusTrying, "Trying", nil); err != nil {
			return
		}
		if err := dlg.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
			return
		}
		dlg.Respond(sip.StatusOK, "OK", nil)
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		dialogSrv.ReadAck(req, tx)
	})

	startIntegrationServer(ctx, srv, uasContact.Address.HostPort())

	// Client
	{
		ua, _ := NewUA()
		defer ua.Close()

		srv, _ := NewServer(ua)
		cli, _ := NewClient(ua)

		contactHDR := sip.ContactValue{
			Address: sip.Uri{User: "test", Host: "127.0.0.201", Port: 5088},
			Params:  sip.NewParams(),
		}
		dialogCli := NewDialogClient(cli, contactHDR)

		startIntegrationServer(ctx, srv, contactHDR.Address.HostPort())

		t.Run("UASByeError", func(t *testing.T) {
			srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
				tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServerInternalError, "", nil))
			})

			sess, err := dialogCli.Invite(context.Background(), uasContact.Address, nil)
			require.NoError(t, err)
			defer sess.Close()

			require.NoError(t, sess.WaitAnswer(ctx, AnswerOptions{}))
			require.Equal(t, sip.StatusOK, sess.InviteResponse.StatusCode)

			require.NoError(t, sess.Ack(context.Background()))
			require.Error(t, sess.Bye(context.Background()))
		})
	}
}

func TestIntegrationDialogCancel(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	ua, _ := NewUA()
	defer ua.Close()
	srv, _ := NewServer(ua)
	cli, _ := NewClient(ua)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uasContact := sip.ContactValue{
		Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5077},
		Params:  sip.NewParams(),
	}

	dialogSrv := NewDialogServer(cli, uasContact)

	answered := make(chan struct{})
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		defer close(answered)
		dlg, err := dialogSrv.ReadInvite(req, tx)
		require.NoError(t, err)

		require.NoError(t, dlg.Respond(sip.StatusTrying, "Trying", nil))
		require.NoError(t, dlg.Respond(sip.StatusRinging, "Ringing", nil))

		select {
		case <-tx.Cancels():
		case <-tx.Done():
		}
	})

	startIntegrationServer(ctx, srv, uasContact.Address.HostPort())

	{
		ua, _ := NewUA()
		defer ua.Close()

		cli, _ := NewClient(ua)
		contactHDR := sip.ContactValue{
			Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5089},
			Params:  sip.NewParams(),
		}
		dialogCli := NewDialogClient(cli, contactHDR)

		sess, err := dialogCli.Invite(context.Background(), uasContact.Address, nil)
		require.NoError(t, err)
		defer sess.Close()

		cancelCtx, cancelInvite := context.WithCancel(context.Background())
		go func() {
			time.Sleep(300 * time.Millisecond)
			cancelInvite()
		}()

		err = sess.WaitAnswer(cancelCtx, AnswerOptions{})
		require.ErrorIs(t, err, context.Canceled)
	}

	<-answered
}
