package transport

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/sipforge/sipcore/sip"
	"github.com/rs/zerolog/log"
)

// Connection is a single network connection (or, for UDP, the shared
// listening socket) a Transport hands back to callers.
type Connection interface {
	// WriteMsg marshals msg and sends it to the connection's peer.
	WriteMsg(msg sip.Message) error
	// Ref adjusts the connection's reference count; transactions hold a
	// reference while they are using the connection to stop it closing
	// under them.
	Ref(i int) int
	// TryClose decrements the reference count and closes the connection
	// once it reaches zero, returning the count it settled at.
	TryClose() (int, error)
	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// writeMsg is the common "serialize to a pooled buffer, write it to w"
// helper every Connection implementation's WriteMsg uses.
func writeMsg(w interface{ Write([]byte) (int, error) }, msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("connection write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(data))
	}
	return nil
}

func logRef(transport, event string, addr string, ref int) {
	log.Debug().Str("transport", transport).Str("addr", addr).Int("ref", ref).Msg(event)
}
