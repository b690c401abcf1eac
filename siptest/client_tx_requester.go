package siptest

import (
	"context"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/transaction"

	"github.com/rs/zerolog/log"
)

// ClientTxRequester answers every outgoing request synchronously through
// OnRequest, letting tests exercise client-transaction code without a real
// transport.
type ClientTxRequester struct {
	OnRequest func(req *sip.Request) *sip.Response
}

func (r *ClientTxRequester) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	key, err := transaction.MakeClientTxKey(req)
	if err != nil {
		return nil, err
	}
	rec := newConnRecorder()
	tx := transaction.NewClientTx(key, req, rec, log.Logger)
	if err := tx.Init(); err != nil {
		return nil, err
	}

	resp := r.OnRequest(req)
	go tx.Receive(resp)

	return tx, nil
}

// ClientTxResponder lets a test feed responses into a client transaction
// asynchronously instead of returning them directly from OnRequest.
type ClientTxResponder struct {
	tx *transaction.ClientTx
}

func (r *ClientTxResponder) Receive(res *sip.Response) {
	r.tx.Receive(res)
}

type ClientTxRequesterResponder struct {
	OnRequest func(req *sip.Request, w *ClientTxResponder)
}

func (r *ClientTxRequesterResponder) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	key, err := transaction.MakeClientTxKey(req)
	if err != nil {
		return nil, err
	}
	rec := newConnRecorder()
	tx := transaction.NewClientTx(key, req, rec, log.Logger)
	if err := tx.Init(); err != nil {
		return nil, err
	}
	w := ClientTxResponder{
		tx: tx,
	}
	go r.OnRequest(req, &w)
	return tx, nil
}
