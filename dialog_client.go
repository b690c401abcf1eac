package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sipforge/sipcore/sip"
)

// DialogClient manages the UAC side of dialogs built on top of a Client.
// Contact header must be provided for correct INVITE construction; use a
// separate instance per transport if you handle more than one.
type DialogClient struct {
	c          *Client
	dialogs    sync.Map
	contactHDR sip.ContactValue
}

func (dc *DialogClient) dialogsLen() int {
	n := 0
	dc.dialogs.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

func (dc *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := dc.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogClientSession)
}

// NewDialogClient provides a handle for managing UAC dialogs.
func NewDialogClient(client *Client, contactHDR sip.ContactValue) *DialogClient {
	return &DialogClient{
		c:          client,
		contactHDR: contactHDR,
	}
}

// Invite sends an INVITE and creates an early dialog session. Call
// WaitAnswer afterward to wait for it to establish. Use WriteInvite to pass
// a custom-built request instead.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...*sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.Headers().Append(h)
	}
	return dc.WriteInvite(ctx, req)
}

func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request, options ...ClientRequestOption) (*DialogClientSession, error) {
	if inviteRequest.Headers().Get("contact") == nil {
		inviteRequest.Headers().Append(sip.NewHeader("Contact", dc.contactHDR.String()))
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteRequest,
		},
		dc: dc,
	}
	dtx.Dialog.Init()

	tx, err := dc.c.TransactionRequest(ctx, inviteRequest, options...)
	if err != nil {
		return nil, err
	}
	dtx.inviteTx = tx

	return dtx, nil
}

// ReadBye handles an inbound BYE for a dialog this client owns.
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callID, ok := req.CallID()
	if !ok {
		return fmt.Errorf("%w: missing Call-ID header", sip.ErrMissingHeader)
	}
	from, ok := req.FromValue()
	if !ok {
		return fmt.Errorf("%w: missing From header", sip.ErrMissingHeader)
	}
	to, ok := req.ToValue()
	if !ok {
		return fmt.Errorf("%w: missing To header", sip.ErrMissingHeader)
	}
	fromTag, _ := from.Tag()
	toTag, _ := to.Tag()

	id := sip.DialogIDMake(callID, fromTag, toTag)
	dt := dc.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", callID, ErrDialogDoesNotExists)
	}

	dt.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer dt.Close()
	defer dt.inviteTx.Terminate()

	return nil
}

// DialogClientSession is one UAC-side SIP dialog: the INVITE it was built
// from, plus the live client transaction answering it.
type DialogClientSession struct {
	Dialog
	dc       *DialogClient
	inviteTx sip.ClientTransaction
}

// Close removes the session from its client's dialog table. It does not
// send BYE/CANCEL or otherwise change dialog state.
func (s *DialogClientSession) Close() error {
	s.dc.dialogs.Delete(s.ID)
	return nil
}

// AnswerOptions customizes WaitAnswer's behavior.
type AnswerOptions struct {
	OnResponse func(res *sip.Response)

	// Username/Password answer a 401/407 challenge automatically.
	Username string
	Password string
}

// WaitAnswer blocks until the INVITE transaction receives a final response,
// establishing the dialog on a 2xx. Canceling ctx sends CANCEL. Returns
// ErrDialogResponse for any other final response.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.dc.c, s.inviteTx, s.InviteRequest

	var r *sip.Response
	for {
		select {
		case r = <-tx.Responses():
		case <-ctx.Done():
			defer tx.Terminate()
			if err := tx.Cancel(); err != nil {
				return errors.Join(err, ctx.Err())
			}
			return ctx.Err()
		case err := <-tx.Errors():
			return err
		case <-tx.Done():
			return fmt.Errorf("transaction terminated")
		}

		if opts.OnResponse != nil {
			opts.OnResponse(r)
		}

		if r.IsSuccess() {
			break
		}
		if r.IsProvisional() {
			continue
		}

		needsAuth := (r.StatusCode == sip.StatusProxyAuthRequired || r.StatusCode == sip.StatusUnauthorized) && opts.Password != ""
		if needsAuth {
			tx.Terminate()
			var err error
			tx, err = client.TransactionDigestAuth(ctx, inviteRequest, r, DigestAuth{Username: opts.Username, Password: opts.Password})
			if err != nil {
				return err
			}
			continue
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.DialogIDFromResponse(r)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.setState(sip.DialogStateEstablished)
	s.dc.dialogs.Store(id, s)
	return nil
}

// Ack sends the in-dialog ACK completing the three-way handshake. Use
// WriteAck to send a custom-built one instead.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	if err := s.dc.c.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends BYE and terminates the session. Use WriteBye to send a
// custom-built one instead.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	if s.InviteResponse == nil {
		return fmt.Errorf("dialog not confirmed: ACK not sent?")
	}
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	dc := s.dc
	defer s.Close()

	switch s.LoadState() {
	case sip.DialogStateEnded:
		return nil
	case sip.DialogStateConfirmed:
	default:
		return fmt.Errorf("dialog not confirmed: ACK not sent?")
	}

	tx, err := dc.c.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate()
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return &ErrDialogResponse{Res: res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return ErrDialogCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newByeRequestUAC builds the BYE a UAC sends to end an established dialog,
// per RFC 3261 section 15.1.1. It does not set a Via header; the caller's
// transaction layer adds one.
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := inviteRequest.Recipient
	if ch := inviteResponse.Headers().Get("contact"); ch != nil {
		if cv, err := sip.ParseContactValue(ch.Value()); err == nil {
			recipient = cv.Address
		}
	}

	byeRequest := sip.NewRequest(sip.BYE, *recipient.Clone())
	byeRequest.SipVersion = inviteRequest.SipVersion

	for _, h := range inviteRequest.Headers().GetAll("route") {
		byeRequest.Headers().Append(sip.NewHeader("Route", h.Value()))
	}

	byeRequest.Headers().Set("Max-Forwards", "70")
	if h := inviteRequest.Headers().Get("from"); h != nil {
		byeRequest.Headers().Set("From", h.Value())
	}
	if h := inviteResponse.Headers().Get("to"); h != nil {
		byeRequest.Headers().Set("To", h.Value())
	}
	if h := inviteRequest.Headers().Get("call-id"); h != nil {
		byeRequest.Headers().Set("Call-ID", h.Value())
	}

	seqNo := uint32(1)
	if cseq, ok := inviteRequest.CSeq(); ok {
		seqNo = cseq.SeqNo + 1
	}
	byeRequest.Headers().Set("CSeq", sip.CSeqValue{SeqNo: seqNo, MethodName: sip.BYE}.String())

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	return byeRequest
}
