package main

// rotd runs the RoT protocol core against a bus bridged over a stream
// socket: it attaches a channel, serves the vendor command set, polls
// downstream devices for attestation, and exposes diagnostics over HTTP.

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelfw/rot"
	"github.com/kestrelfw/rot/internal/pkg/transport"
	"github.com/kestrelfw/rot/pkg/cmdproto"
	"github.com/kestrelfw/rot/pkg/config"
	"github.com/kestrelfw/rot/pkg/devmgr"
	"github.com/kestrelfw/rot/pkg/engine"
	"github.com/kestrelfw/rot/pkg/mctp"
)

var (
	flgConfig = kingpin.Flag("config", "Path to the device configuration file.").
			Default("rotd.yaml").
			String()
	flgBus = kingpin.Flag("bus", "network:address of the bus bridge, e.g. unix:/run/rot-bus.sock.").
		Default("unix:/run/rot-bus.sock").
		String()
	flgPollInterval = kingpin.Flag("poll-interval", "Attestation poll cadence.").
			Default("5s").
			Duration()
)

func main() {
	kingpin.Parse()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*flgConfig)
	if err != nil {
		log.WithError(err).Fatal("could not load configuration")
	}

	entries, err := cfg.DeviceTable()
	if err != nil {
		log.WithError(err).Fatal("invalid device table")
	}
	devices := devmgr.New(entries)

	dispatcher, err := cmdproto.New(cmdproto.Deps{
		Devices:   devices,
		FwVersion: rot.StaticFwVersion{rot.FirmwareName + " " + rot.FirmwareVersion},
		Hash:      engine.NewThreadSafeHash(engine.NewSoftwareHash()),
	}, cmdproto.Options{
		PCIVendorID:         cfg.Protocol.PCIVendorID,
		EnableDebugCommands: cfg.Protocol.EnableDebugCommands,
		Logger:              log.StandardLogger(),
	})
	if err != nil {
		log.WithError(err).Fatal("could not build dispatcher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	conn, err := dialBus(ctx, *flgBus, cfg)
	if err != nil {
		log.WithError(err).Fatal("could not attach to bus")
	}

	channel, err := rot.Open(conn, rot.ChannelConfig{
		ID:              cfg.Transport.ChannelID,
		LocalEID:        mctp.EID(cfg.Transport.LocalEID),
		LocalAddr:       cfg.Transport.LocalAddr,
		Devices:         devices,
		Dispatcher:      dispatcher,
		Logger:          log.StandardLogger(),
		ResponseTimeout: time.Duration(cfg.Transport.ResponseTimeoutMS) * time.Millisecond,
		CryptoTimeout:   time.Duration(cfg.Transport.CryptoTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		log.WithError(err).Fatal("could not open channel")
	}
	defer channel.Close()

	go serveDiagnostics(cfg.Server.Listen, devices)

	poller := rot.NewPoller(channel, devices, *flgPollInterval, log.StandardLogger())
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("attestation poller stopped")
		}
	}()

	log.WithFields(log.Fields{
		"bus":     *flgBus,
		"eid":     cfg.Transport.LocalEID,
		"channel": cfg.Transport.ChannelID,
	}).Info("channel attached")

	if err := channel.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("channel stopped")
	}
}

// dialBus connects to the bus bridge, retrying with exponential backoff
// until the context is cancelled.
func dialBus(ctx context.Context, bus string, cfg *config.Config) (transport.PacketConn, error) {
	network, addr := "unix", bus
	if i := strings.IndexByte(bus, ':'); i >= 0 {
		network, addr = bus[:i], bus[i+1:]
	}

	var conn net.Conn
	op := func() error {
		var err error
		conn, err = net.Dial(network, addr)
		if err != nil {
			log.WithError(err).Warn("bus bridge not reachable, retrying")
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(eb, ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	deadline := time.Duration(cfg.Transport.ResponseTimeoutMS) * time.Millisecond
	return transport.NewNetConn(conn, cfg.Transport.LocalAddr, deadline), nil
}

// serveDiagnostics exposes the prometheus collectors and a peer table dump.
func serveDiagnostics(listen string, devices *devmgr.Manager) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/peers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for num := 0; num < devices.Len(); num++ {
			eid, _ := devices.DeviceEID(num)
			addr, _ := devices.DeviceAddr(num)
			dir, _ := devices.Direction(num)
			state, _ := devices.State(num)
			fmt.Fprintf(w, "device %v: eid=%#.2x addr=%#.2x direction=%v state=%v\n",
				num, uint8(eid), addr, dir, state)
		}
	})
	if err := http.ListenAndServe(listen, r); err != nil {
		log.WithError(err).Error("diagnostics server stopped")
	}
}
