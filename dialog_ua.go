package sipcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipforge/sipcore/sip"

	uuid "github.com/satori/go.uuid"
)

// DialogUA is the UserAgent half used to drive dialogs directly, without
// going through DialogClient/DialogServer's own dialog tables. It needs a
// Client to build and send subsequent in-dialog requests (CANCEL, BYE).
type DialogUA struct {
	// Client is required to build and send subsequent requests.
	Client *Client
	// ContactHDR is used by default to build requests/responses; required.
	ContactHDR sip.ContactValue

	// RewriteContact sends the request to the source IP instead of
	// Contact's address. Use this behind NAT.
	RewriteContact bool
}

// DialogSessionParams seeds a dialog session from an INVITE transaction
// that has already completed, rather than one DialogUA itself drove.
type DialogSessionParams struct {
	InviteReq  *sip.Request
	InviteResp *sip.Response
	State      sip.DialogState
	CSeq       uint32
	DialogID   string
}

// NewServerSession builds a DialogServerSession without creating a
// transaction for the initial INVITE; use only if that transaction has
// already completed.
func (ua *DialogUA) NewServerSession(params DialogSessionParams) (*DialogServerSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpServerTransaction{},
	}
	dtx.InitWithState(params.State)
	dtx.SetCSEQ(params.CSeq)

	return dtx, nil
}

// ReadInvite reads an inbound INVITE off tx and builds a server-side
// dialog session for it, wiring CANCEL/termination into dialog state.
func (ua *DialogUA) ReadInvite(inviteReq *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	if inviteReq.Headers().Get("contact") == nil {
		return nil, ErrDialogInviteNoContact
	}
	if _, ok := inviteReq.CSeq(); !ok {
		return nil, fmt.Errorf("no CSeq header present")
	}

	tag, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
	}
	if to, ok := inviteReq.ToValue(); ok {
		to.Params.Add("tag", tag.String())
		inviteReq.Headers().Set("To", to.String())
	}

	id, err := sip.DialogIDFromRequestUAS(inviteReq)
	if err != nil {
		return nil, err
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id,
			InviteRequest: inviteReq,
		},
		inviteTx: tx,
	}
	dtx.Init()

	go func() {
		select {
		case <-tx.Cancels():
			if dtx.LoadState() < sip.DialogStateEstablished {
				dtx.endWithCause(sip.ErrTransactionCanceled)
			}
		case <-tx.Done():
			if dtx.LoadState() < sip.DialogStateEstablished {
				dtx.endWithCause(nil)
			}
		}
	}()

	return dtx, nil
}

// NewClientSession builds a DialogClientSession without sending an INVITE;
// use only if that transaction has already completed.
func (ua *DialogUA) NewClientSession(params DialogSessionParams) (*DialogClientSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpTransaction{},
	}
	dtx.InitWithState(params.State)
	dtx.SetCSEQ(params.CSeq)

	return dtx, nil
}

func (ua *DialogUA) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...*sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.Headers().Append(h)
	}
	return ua.WriteInvite(ctx, req)
}

func (ua *DialogUA) WriteInvite(ctx context.Context, inviteReq *sip.Request, options ...ClientRequestOption) (*DialogClientSession, error) {
	if inviteReq.Headers().Get("contact") == nil {
		inviteReq.Headers().Append(sip.NewHeader("Contact", ua.ContactHDR.String()))
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteReq,
		},
	}
	dtx.Dialog.Init()

	return dtx, dtx.inviteUA(ctx, ua, options...)
}

// inviteUA sends the INVITE for a session built through DialogUA, where
// there is no owning DialogClient to reach the shared Client through.
func (d *DialogClientSession) inviteUA(ctx context.Context, ua *DialogUA, options ...ClientRequestOption) error {
	var err error
	d.inviteTx, err = ua.Client.TransactionRequest(ctx, d.InviteRequest, options...)
	if err == nil {
		if cseq, ok := d.InviteRequest.CSeq(); ok {
			d.SetCSEQ(cseq.SeqNo)
		}
	}
	return err
}

// endWithCause sets the dialog state to Ended; cause is neither stored nor
// logged.
func (d *DialogServerSession) endWithCause(cause error) {
	d.setState(sip.DialogStateEnded)
}
