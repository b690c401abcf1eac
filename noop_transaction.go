package sipcore

import "github.com/sipforge/sipcore/sip"

// NoOpTransaction is a stand-in transaction for stateless request handling,
// where a core wants to hand a request to code expecting a transaction
// without the transaction layer actually tracking it.
type NoOpTransaction struct {
	origin *sip.Request
	respCh <-chan *sip.Response
	doneCh <-chan struct{}
}

func (t *NoOpTransaction) Key() string { return "" }

func (t *NoOpTransaction) Origin() *sip.Request { return t.origin }

func (t *NoOpTransaction) Terminate() {}

func (t *NoOpTransaction) OnTerminate(f func(key string)) {}

func (t *NoOpTransaction) Errors() <-chan error {
	errCh := make(chan error)
	close(errCh)
	return errCh
}

func (t *NoOpTransaction) Done() <-chan struct{} {
	if t.doneCh != nil {
		return t.doneCh
	}
	doneCh := make(chan struct{})
	close(doneCh)
	return doneCh
}

// Responses implements sip.ClientTransaction.
func (t *NoOpTransaction) Responses() <-chan *sip.Response {
	if t.respCh != nil {
		return t.respCh
	}
	respCh := make(chan *sip.Response)
	close(respCh)
	return respCh
}

func (t *NoOpTransaction) Receive(res *sip.Response) error { return nil }

func (t *NoOpTransaction) Cancel() error { return nil }

// setResponses sets the response channel for this transaction.
func (t *NoOpTransaction) setResponses(ch <-chan *sip.Response) {
	t.respCh = ch
}

// setDone sets the done channel for this transaction.
func (t *NoOpTransaction) setDone(ch <-chan struct{}) {
	t.doneCh = ch
}

var _ sip.ClientTransaction = &NoOpTransaction{}

// NoOpServerTransaction is the server-side counterpart of NoOpTransaction.
type NoOpServerTransaction struct {
	NoOpTransaction
}

func (t *NoOpServerTransaction) Respond(_ *sip.Response) error {
	return nil
}

// Receive shadows NoOpTransaction.Receive with the server-side signature
// RFC 3261 section 17.2 expects.
func (t *NoOpServerTransaction) Receive(_ *sip.Request) error {
	return nil
}

func (t *NoOpServerTransaction) Acks() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

func (t *NoOpServerTransaction) Cancels() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

var _ sip.ServerTransaction = &NoOpServerTransaction{}
