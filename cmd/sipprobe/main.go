// Command sipprobe sends a single OPTIONS or INVITE request to a SIP
// target and prints the response, the way a curl for SIP would. When
// -metrics is set it also serves Core's prometheus metrics over HTTP for
// the duration of the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	sipcore "github.com/sipforge/sipcore"
	"github.com/sipforge/sipcore/core"
	"github.com/sipforge/sipcore/sip"
)

func main() {
	target := flag.String("to", "", "destination SIP URI, e.g. sip:bob@example.com")
	extIP := flag.String("ip", "127.0.0.1:5060", "local address to bind and advertise")
	transportType := flag.String("t", "udp", "transport: udp, tcp, tls, ws, wss")
	method := flag.String("method", "OPTIONS", "request method: OPTIONS or INVITE")
	metricsAddr := flag.String("metrics", "", "if set, serve prometheus metrics on this address (e.g. :8080)")
	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for a final response")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *target == "" {
		log.Fatal("missing -to")
	}

	var recipient sip.Uri
	if err := sip.ParseUri(*target, &recipient); err != nil {
		log.WithError(err).Fatal("invalid -to URI")
	}

	ua, err := sipcore.NewUA(sipcore.WithIP(*extIP))
	if err != nil {
		log.WithError(err).Fatal("failed to build user agent")
	}
	defer ua.Close()

	client, err := sipcore.NewClient(ua, sipcore.WithClientAddr(*extIP))
	if err != nil {
		log.WithError(err).Fatal("failed to build client")
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	c := core.New(ua, client, nil, core.WithMetricsRegisterer(reg))
	defer c.Close()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()
	go func() {
		if err := ua.ListenAndServe(listenCtx, *transportType, *extIP); err != nil {
			log.WithError(err).Error("transport listener stopped")
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	req := sip.NewRequest(sip.RequestMethod(*method), recipient)
	req.SetTransport(*transportType)

	log.WithFields(logrus.Fields{"method": *method, "to": recipient.String()}).Info("sending request")

	res, err := client.Do(reqCtx, req)
	if err != nil {
		log.WithError(err).Fatal("request failed")
	}

	fmt.Printf("%s\n", res.StartLine())
	fmt.Print(res.String())
}
