package siptest

import (
	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/transaction"

	"github.com/rs/zerolog/log"
)

// NewServerTxRecorder builds a server transaction wired to an in-memory
// connection, so tests can assert on what a core's handler wrote back
// without standing up real transports.
func NewServerTxRecorder(req *sip.Request) *ServerTxRecorder {
	key, err := transaction.MakeServerTxKey(req)
	if err != nil {
		panic(err)
	}
	conn := newConnRecorder()
	stx := transaction.NewServerTx(key, req, conn, log.Logger)
	if err := stx.Init(); err != nil {
		panic(err)
	}
	return &ServerTxRecorder{
		stx,
		conn,
	}
}

// ServerTxRecorder wraps server transactions
type ServerTxRecorder struct {
	*transaction.ServerTx
	c *connRecorder
}

// Result returns the responses written through the recorded connection.
// Returns nil if none were written yet.
func (r *ServerTxRecorder) Result() []*sip.Response {
	if len(r.c.msgs) == 0 {
		return nil
	}
	resps := make([]*sip.Response, 0, len(r.c.msgs))
	for _, m := range r.c.msgs {
		if res, ok := m.(*sip.Response); ok {
			resps = append(resps, res)
		}
	}
	return resps
}

var _ sip.ServerTransaction = &ServerTxRecorder{}
