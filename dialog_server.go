package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/transaction"

	uuid "github.com/satori/go.uuid"
)

// DialogServer manages the UAS side of dialogs built on top of a Client
// used to send in-dialog requests (e.g. a server-initiated BYE). Use a
// separate instance per transport if you handle more than one.
type DialogServer struct {
	dialogs    sync.Map
	contactHDR sip.ContactValue
	c          *Client
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogServerSession)
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// NewDialogServer provides a handle for managing UAS dialogs. contactHDR is
// the default Contact added to responses that lack one.
func NewDialogServer(client *Client, contactHDR sip.ContactValue) *DialogServer {
	return &DialogServer{
		contactHDR: contactHDR,
		c:          client,
	}
}

// ReadInvite should be called from your INVITE handler; it builds the
// dialog context used for all further responses. Pair with ReadAck and
// ReadBye to confirm and terminate the dialog.
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	if req.Headers().Get("contact") == nil {
		return nil, ErrDialogInviteNoContact
	}

	// Prebuild the To tag so it is stable across every response we send;
	// CreateResponse skips adding one only for a 100 Trying.
	tag, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
	}
	if to, ok := req.ToValue(); ok {
		to.Params.Add("tag", tag.String())
		req.Headers().Set("To", to.String())
	}

	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil, err
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id,
			InviteRequest: req,
		},
		inviteTx: tx,
		s:        s,
	}
	dtx.Dialog.Init()
	s.dialogs.Store(id, dtx)
	return dtx, nil
}

// ReadAck should be called from your ACK handler.
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}
	dt.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye should be called from your BYE handler.
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// RFC 3261 section 15.1.2: a BYE that matches no dialog gets a 481.
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist", nil)
		tx.Respond(res)
		return err
	}

	cseq, ok := req.CSeq()
	if ok && cseq.SeqNo != dt.CSEQ()+1 {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "CSeq is incorrect", nil)
		return tx.Respond(res)
	}

	defer dt.Close()
	defer dt.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	dt.setState(sip.DialogStateEnded)
	return nil
}

// DialogServerSession is one UAS-side SIP dialog: the INVITE it answers,
// plus the live server transaction carrying responses back.
type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	s        *DialogServer
}

// TransactionRequest sends an in-dialog request per RFC 3261 section 12.2.1:
// it fills CSeq from the dialog's own counter and turns the INVITE's
// Record-Route set into this request's Route set.
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	seqNo := s.CSEQ() + 1
	if req.IsAck() || req.IsCancel() {
		seqNo = s.CSEQ()
	}
	req.Headers().Set("CSeq", sip.CSeqValue{SeqNo: seqNo, MethodName: req.Method}.String())

	// RFC 3261 section 16.12.1.2: a Record-Route set the INVITE carried
	// becomes this request's Route set, in reverse order.
	rrs := s.InviteRequest.Headers().GetAll("record-route")
	for i := len(rrs) - 1; i >= 0; i-- {
		req.Headers().Append(sip.NewHeader("Route", rrs[i].Value()))
	}

	if route := req.Headers().Get("route"); route != nil {
		if rv, err := sip.ParseContactValue(route.Value()); err == nil {
			req.SetDestination(rv.Address.HostPort())
		}
	}

	s.Dialog.SetCSEQ(seqNo)
	return s.s.c.TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.s.c.WriteRequest(req)
}

// Close removes the session from its server's dialog table.
func (s *DialogServerSession) Close() error {
	s.s.dialogs.Delete(s.ID)
	return nil
}

// Respond answers the INVITE; call it multiple times for provisional
// responses (100, 180) before a final 2xx or failure response.
//
// If a CANCEL arrives in the meantime, ErrDialogCanceled is returned.
func (s *DialogServerSession) Respond(statusCode int, reason string, body []byte, headers ...*sip.Header) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)
	for _, h := range headers {
		res.Headers().Append(h)
	}
	return s.WriteResponse(res)
}

// WriteResponse sends a custom-built response through the INVITE
// transaction, handling dialog state transitions.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Headers().Get("contact") == nil {
		res.Headers().Append(sip.NewHeader("Contact", s.s.contactHDR.String()))
	}

	s.Dialog.InviteResponse = res

	select {
	case req, ok := <-tx.Cancels():
		if ok {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
			return ErrDialogCanceled
		}
	case <-tx.Done():
		return transaction.ErrTxTerminated
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			return tx.Respond(res)
		}
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.DialogIDFromResponse(res)
	if err != nil {
		return err
	}
	if id != s.Dialog.ID {
		return fmt.Errorf("dialog ID mismatch: invite request headers changed?")
	}

	s.setState(sip.DialogStateEstablished)
	if err := tx.Respond(res); err != nil {
		s.s.dialogs.Delete(id)
		return err
	}

	return nil
}

// Bye sends a server-initiated BYE, waiting first for the dialog to be
// confirmed (an ACK received or the INVITE transaction to time out), per
// RFC 3261 section 15.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	switch s.LoadState() {
	case sip.DialogStateEnded:
		return nil
	case sip.DialogStateConfirmed:
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse
	if res == nil || !res.IsSuccess() {
		return fmt.Errorf("can not send BYE on non-success response")
	}

	defer s.inviteTx.Terminate()

	for s.LoadState() < sip.DialogStateConfirmed {
		select {
		case <-s.inviteTx.Done():
		case <-time.After(transaction.T1):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		break
	}

	bye := newByeRequestUAS(req, res)

	callID, _ := bye.CallID()
	from, _ := bye.FromValue()
	to, _ := bye.ToValue()
	fromTag, _ := from.Tag()
	toTag, _ := to.Tag()
	byeID := sip.DialogIDMake(callID, fromTag, toTag)
	if s.ID != byeID {
		return fmt.Errorf("non matching dialog ID %q != %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return &ErrDialogResponse{Res: res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return transaction.ErrTxTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newByeRequestUAS builds the BYE a UAS sends to end an established
// dialog; it does not set a Via header, which ClientRequestBuild adds when
// the BYE is sent through the client.
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	var recipient sip.Uri
	if ch := req.Headers().Get("contact"); ch != nil {
		if cv, err := sip.ParseContactValue(ch.Value()); err == nil {
			recipient = cv.Address
		}
	}

	bye := sip.NewRequest(sip.BYE, recipient)

	from, _ := res.FromValue()
	to, _ := res.ToValue()
	callID, _ := res.CallID()

	// RFC 3261 section 15: From and To are reversed relative to the INVITE.
	newFrom := sip.ContactValue{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
	newTo := sip.ContactValue{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}

	bye.Headers().Set("From", newFrom.String())
	bye.Headers().Set("To", newTo.String())
	bye.Headers().Set("Call-ID", callID)

	return bye
}
