package sipcore

import (
	"flag"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sipforge/sipcore/fakes"
	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreateMessage(t testing.TB, rawMsg []string) sip.Message {
	msg, err := sip.ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func createSimpleRequest(method sip.RequestMethod, sender, recipient sip.Uri, transport string) *sip.Request {
	req := sip.NewRequest(method, recipient)

	via := sip.ViaValue{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            sender.Host,
		Port:            sender.Port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.Headers().Append(sip.NewHeader("Via", via.String()))

	from := sip.ContactValue{
		DisplayName: strings.ToUpper(sender.User),
		Address:     sip.Uri{User: sender.User, Host: sender.Host, Port: sender.Port},
		Params:      sip.NewParams(),
	}
	req.Headers().Append(sip.NewHeader("From", from.String()))

	to := sip.ContactValue{
		DisplayName: strings.ToUpper(recipient.User),
		Address:     sip.Uri{User: recipient.User, Host: recipient.Host, Port: recipient.Port},
		Params:      sip.NewParams(),
	}
	req.Headers().Append(sip.NewHeader("To", to.String()))

	req.Headers().Set("Call-ID", "gotest-"+time.Now().Format(time.RFC3339Nano))
	req.Headers().Set("CSeq", sip.CSeqValue{SeqNo: 1, MethodName: method}.String())
	req.SetBody(nil)
	return req
}

func createTestInvite(t *testing.T, transport, addr string) (*sip.Request, string, string) {
	branch := sip.GenerateBranch()
	callid := "gotest-" + time.Now().Format(time.RFC3339Nano)
	ftag := sip.GenerateTag()
	return testCreateMessage(t, []string{
		"INVITE sip:bob@127.0.0.1:5060 SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + addr + ";branch=" + branch,
		"From: \"Alice\" <sip:alice@" + addr + ">;tag=" + ftag,
		"To: \"Bob\" <sip:bob@127.0.0.1:5060>",
		"Call-ID: " + callid,
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}).(*sip.Request), callid, ftag
}

func createTestBye(t *testing.T, transport, addr, callid, ftag, totag string) *sip.Request {
	branch := sip.GenerateBranch()
	return testCreateMessage(t, []string{
		"BYE sip:bob@127.0.0.1:5060 SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + addr + ";branch=" + branch,
		"From: \"Alice\" <sip:alice@" + addr + ">;tag=" + ftag,
		"To: \"Bob\" <sip:bob@127.0.0.1:5060>;tag=" + totag,
		"Call-ID: " + callid,
		"CSeq: 2 BYE",
		"Content-Length: 0",
		"",
		"",
	}).(*sip.Request)
}

func TestMain(m *testing.M) {
	debug := flag.Bool("debug", false, "")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	if *debug {
		log.Logger = log.Logger.With().Logger().Level(zerolog.DebugLevel)
	}

	os.Exit(m.Run())
}

func TestUDPUAS(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	srv, err := NewServer(ua)
	require.Nil(t, err)

	p := sip.NewParser()

	serverReader, serverWriter := io.Pipe()
	client1Reader, client1Writer := io.Pipe()

	serverAddr := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060}
	client1Addr := net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5060}
	client1 := &fakes.UDPConn{
		LAddr:  client1Addr,
		RAddr:  serverAddr,
		Reader: client1Reader,
		Writers: map[string]io.Writer{
			serverAddr.String(): serverWriter,
		},
	}

	serverC := &fakes.UDPConn{
		LAddr:  serverAddr,
		RAddr:  client1Addr,
		Reader: serverReader,
		Writers: map[string]io.Writer{
			client1Addr.String(): client1Writer,
		},
	}

	allmethods := []sip.RequestMethod{
		sip.INVITE, sip.ACK, sip.BYE, sip.REFER, sip.REGISTER, sip.INFO, sip.MESSAGE, sip.NOTIFY, sip.OPTIONS, sip.PRACK, sip.PUBLISH,
	}

	for _, method := range allmethods {
		srv.OnRequest(method, func(req *sip.Request, tx sip.ServerTransaction) {
			t.Log("New " + string(req.Method))
			res := sip.NewResponseFromRequest(req, 200, "OK", nil)
			tx.Respond(res)
		})
	}

	go srv.TransportLayer().ServeUDP(serverC)

	sender := sip.Uri{User: "alice", Host: client1Addr.IP.String(), Port: client1Addr.Port}
	recipient := sip.Uri{User: "bob", Host: serverAddr.IP.String(), Port: serverC.LAddr.Port}

	for _, method := range allmethods {
		req := createSimpleRequest(method, sender, recipient, "UDP")
		rstr := req.String()

		data := client1.TestRequest(t, []byte(rstr))
		res, err := p.ParseSIP(data)
		assert.Nil(t, err)
		assert.Equal(t, "SIP/2.0 200 OK", res.(*sip.Response).StartLine())
	}
}

func TestTCPUAS(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	srv, err := NewServer(ua)
	require.Nil(t, err)

	p := sip.NewParser()

	serverReader, serverWriter := io.Pipe()
	client1Reader, client1Writer := io.Pipe()

	serverAddr := net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060}
	client1Addr := net.TCPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5060}
	client1 := &fakes.TCPConn{
		LAddr:  client1Addr,
		RAddr:  serverAddr,
		Reader: client1Reader,
		Writer: serverWriter,
	}

	serverC := &fakes.TCPConn{
		LAddr:  serverAddr,
		RAddr:  client1Addr,
		Reader: serverReader,
		Writer: client1Writer,
	}

	listener := &fakes.TCPListener{
		LAddr: serverAddr,
		Conns: make(chan *fakes.TCPConn, 2),
	}
	listener.Conns <- serverC

	allmethods := []sip.RequestMethod{
		sip.INVITE, sip.ACK, sip.BYE, sip.REFER, sip.REGISTER, sip.INFO, sip.MESSAGE, sip.NOTIFY, sip.OPTIONS, sip.PRACK, sip.PUBLISH,
	}

	for _, method := range allmethods {
		srv.OnRequest(method, func(req *sip.Request, tx sip.ServerTransaction) {
			t.Log("New " + string(req.Method))
			res := sip.NewResponseFromRequest(req, 200, "OK", nil)
			tx.Respond(res)
		})
	}

	go srv.TransportLayer().ServeTCP(listener)

	sender := sip.Uri{User: "alice", Host: client1Addr.IP.String(), Port: client1Addr.Port}
	recipient := sip.Uri{User: "bob", Host: serverAddr.IP.String(), Port: serverC.LAddr.Port}

	for _, method := range allmethods {
		req := createSimpleRequest(method, sender, recipient, "TCP")
		rstr := req.String()

		data := client1.TestRequest(t, []byte(rstr))
		res, err := p.ParseSIP(data)
		assert.Nil(t, err)
		assert.Equal(t, "SIP/2.0 200 OK", res.(*sip.Response).StartLine())
	}
}

func TestServerRegisteredMethods(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	srv, err := NewServer(ua)
	require.Nil(t, err)

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {})
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {})

	methods := srv.RegisteredMethods()
	require.Len(t, methods, 2)
	for _, m := range methods {
		require.NotEmpty(t, m)
	}
}

func BenchmarkSwitchVsMap(b *testing.B) {
	b.Run("map", func(b *testing.B) {
		m := map[string]RequestHandler{
			"INVITE":    nil,
			"ACK":       nil,
			"CANCEL":    nil,
			"BYE":       nil,
			"REGISTER":  nil,
			"OPTIONS":   nil,
			"SUBSCRIBE": nil,
			"NOTIFY":    nil,
			"REFER":     nil,
			"INFO":      nil,
			"MESSAGE":   nil,
			"PRACK":     nil,
			"UPDATE":    nil,
			"PUBLISH":   nil,
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, ok := m["REGISTER"]; !ok {
				b.FailNow()
			}
			if _, ok := m["PUBLISH"]; !ok {
				b.FailNow()
			}
		}
	})

	b.Run("switch", func(b *testing.B) {
		m := func(s string) (RequestHandler, bool) {
			switch s {
			case "INVITE", "ACK", "CANCEL", "BYE", "REGISTER", "OPTIONS", "SUBSCRIBE",
				"NOTIFY", "REFER", "INFO", "MESSAGE", "PRACK", "UPDATE", "PUBLISH":
				return nil, true
			}
			return nil, false
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, ok := m("REGISTER"); !ok {
				b.FailNow()
			}
			if _, ok := m("NOTIFY"); !ok {
				b.FailNow()
			}
		}
	})
}
