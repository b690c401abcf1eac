package sipcore

import (
	"github.com/sipforge/sipcore/sip"
)

// DialogEvent notifies an observer that a dialog reached a new state, keyed
// by the same dialog ID the dialog layer uses (Call-ID + tag pair).
type DialogEvent struct {
	ID    string
	State sip.DialogState
}

// ServerDialog extends Server with dialog-state notifications, publishing
// an event whenever an ACK, BYE, or successful INVITE response passes
// through. It does not itself track dialog state; pair it with
// DialogServer for that.
type ServerDialog struct {
	Server

	onDialog func(d DialogEvent)
}

func NewServerDialog(ua *UserAgent, options ...ServerOption) (*ServerDialog, error) {
	base, err := newBaseServer(ua, options...)
	if err != nil {
		return nil, err
	}

	s := &ServerDialog{
		Server: *base,
	}

	s.tx.OnRequest(s.onRequestDialog)
	return s, nil
}

func (s *ServerDialog) onRequestDialog(r *sip.Request, tx sip.ServerTransaction) {
	go s.handleRequestDialog(r, tx)
}

func (s *ServerDialog) handleRequestDialog(r *sip.Request, tx sip.ServerTransaction) {
	switch r.Method {
	case sip.ACK:
		s.publish(r, sip.DialogStateConfirmed)
	case sip.BYE:
		s.publish(r, sip.DialogStateEnded)
	}

	wraptx := &dialogServerTx{tx, s}
	s.Server.handleRequest(r, wraptx)
}

func (s *ServerDialog) publish(r *sip.Request, state sip.DialogState) {
	if s.onDialog == nil {
		return
	}

	id, err := sip.DialogIDFromRequestUAS(r)
	if err != nil {
		callID, _ := r.CallID()
		s.log.Error().Err(err).Str("call-id", callID).Msg("failed to derive dialog id")
		return
	}

	s.onDialog(DialogEvent{ID: id, State: state})
}

// OnDialog registers a callback invoked whenever a dialog reaches a new
// state as observed from this server's request/response traffic.
func (s *ServerDialog) OnDialog(f func(d DialogEvent)) {
	s.onDialog = f
}

// OnDialogChan is like OnDialog but delivers events over a channel.
func (s *ServerDialog) OnDialogChan(ch chan DialogEvent) {
	s.onDialog = func(d DialogEvent) {
		ch <- d
	}
}

// dialogServerTx wraps a ServerTransaction so a successful INVITE response
// also publishes a dialog event.
type dialogServerTx struct {
	sip.ServerTransaction
	s *ServerDialog
}

func (tx *dialogServerTx) Respond(r *sip.Response) error {
	if cseq, ok := r.CSeq(); ok && cseq.MethodName == sip.INVITE && r.IsSuccess() {
		if id, err := sip.DialogIDFromResponse(r); err == nil && tx.s.onDialog != nil {
			tx.s.onDialog(DialogEvent{ID: id, State: sip.DialogStateEstablished})
		}
	}

	return tx.ServerTransaction.Respond(r)
}
