//go:build integration

package sipcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// This will generate TLS certificates needed for test below
// openssl is required
//go:generate bash -c "cd testdata && ./generate_certs_rsa.sh"

var (
	//go:embed testdata/certs/server.crt
	rootCA []byte

	//go:embed testdata/certs/server.crt
	serverCRT []byte

	//go:embed testdata/certs/server.key
	serverKEY []byte

	//go:embed testdata/certs/client.crt
	clientCRT []byte

	//go:embed testdata/certs/client.key
	clientKEY []byte
)

func testServerTlsConfig(t *testing.T) *tls.Config {
	require.NotEmpty(t, serverCRT)
	require.NotEmpty(t, serverKEY)

	cert, err := tls.X509KeyPair(serverCRT, serverKEY)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func testClientTlsConfig(t *testing.T) *tls.Config {
	require.NotEmpty(t, clientCRT)
	require.NotEmpty(t, clientKEY)
	require.NotEmpty(t, rootCA)

	cert, err := tls.X509KeyPair(clientCRT, clientKEY)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	if ok := roots.AppendCertsFromPEM(rootCA); !ok {
		panic("failed to parse root certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}
}

func TestSimpleCall(t *testing.T) {
	ua, err := NewUA()
	require.NoError(t, err)

	serverTLS := testServerTlsConfig(t)
	clientTLS := testClientTlsConfig(t)

	testCases := []struct {
		transport  string
		serverAddr string
		encrypted  bool
	}{
		{transport: "udp", serverAddr: "127.1.1.100:5060"},
		{transport: "tcp", serverAddr: "127.1.1.100:5060"},
		{transport: "ws", serverAddr: "127.1.1.100:5061"},
		{transport: "tls", serverAddr: "127.1.1.100:5062", encrypted: true},
		{transport: "wss", serverAddr: "127.1.1.100:5063", encrypted: true},
	}

	srv, err := NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up server")
	}

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		t.Log("Invite received")
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			t.Fatal(err)
		}
		<-tx.Done()
	})

	ctx, shutdown := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	t.Cleanup(func() {
		shutdown()
		wg.Wait()
	})

	for _, tc := range testCases {
		wg.Add(1)

		serverReady := make(chan any)
		ctx = context.WithValue(ctx, ctxTestListenAndServeReady, serverReady)

		go func(transport string, serverAddr string, encrypted bool) {
			defer wg.Done()

			if encrypted {
				err := srv.ListenAndServeTLS(ctx, transport, serverAddr, serverTLS)
				if err != nil && !errors.Is(err, net.ErrClosed) {
					t.Error("ListenAndServe error: ", err)
				}
				return
			}

			err := srv.ListenAndServe(ctx, transport, serverAddr)
			if err != nil && !errors.Is(err, net.ErrClosed) {
				t.Error("ListenAndServe error: ", err)
			}
		}(tc.transport, tc.serverAddr, tc.encrypted)
		<-serverReady
	}

	t.Log("Server ready")

	for _, tc := range testCases {
		t.Run(tc.transport, func(t *testing.T) {
			uacUA, err := NewUA(WithUserAgentTLSConfig(clientTLS))
			require.NoError(t, err)

			client, err := NewClient(uacUA)
			require.NoError(t, err)

			proto := "sip"
			if tc.encrypted {
				proto = "sips"
			}

			host, portStr, err := net.SplitHostPort(tc.serverAddr)
			require.NoError(t, err)
			port, err := strconv.Atoi(portStr)
			require.NoError(t, err)

			recipient := sip.Uri{Scheme: proto, User: "bob", Host: host, Port: port}
			req := sip.NewRequest(sip.INVITE, recipient)
			req.SetTransport(tc.transport)
			require.NoError(t, ClientRequestBuild(client, req))

			tx, err := client.TransactionRequest(ctx, req)
			require.NoError(t, err)

			res := <-tx.Responses()
			assert.Equal(t, 200, res.StatusCode)

			tx.Terminate()
		})
	}
}
