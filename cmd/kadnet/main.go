// Command kadnet runs a single overlay node: it opens the DHT's UDP socket,
// the stream transport's TCP listener, and an HTTP API for local clients.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kutluhann/kadnet/api"
	"github.com/kutluhann/kadnet/ban"
	"github.com/kutluhann/kadnet/config"
	"github.com/kutluhann/kadnet/dht"
	"github.com/kutluhann/kadnet/store"
	"github.com/kutluhann/kadnet/transport"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "main")

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	self := dht.NodeContact{
		ID:      cfg.ID,
		Address: cfg.ListenAddress,
		UDPPort: cfg.ListenPort,
		TCPPort: cfg.ListenPort,
	}

	banMan, err := ban.Open(cfg.BanListPath, nil)
	if err != nil {
		log.WithError(err).Fatal("opening ban list")
	}

	fragDB, err := store.Open(cfg.FragmentsDir)
	if err != nil {
		log.WithError(err).Fatal("opening fragment store")
	}

	// host and apiServer both have a construction-time dependency on the
	// DHT, and the DHT needs both of them as event handlers; each is built
	// with a nil collaborator first and wired via SetDHT/SetEventHandler
	// once every piece exists.
	host := transport.NewHost(self, banMan, nil)
	apiServer := api.NewServer(nil, host, cfg.HTTPPort)

	d, err := dht.New(self, host, apiServer, fragDB, cfg.Timings)
	if err != nil {
		log.WithError(err).Fatal("constructing dht")
	}
	host.SetDHT(d)
	host.SetEventHandler(apiServer)
	apiServer.SetDHT(d)

	if err := d.Start(); err != nil {
		log.WithError(err).Fatal("starting dht workers")
	}
	listenAddr := fmt.Sprintf("%s:%s", cfg.ListenAddress, strconv.Itoa(int(cfg.ListenPort)))
	if err := host.Start(listenAddr); err != nil {
		log.WithError(err).Fatal("starting stream transport")
	}

	if len(cfg.CustomBootNodes) > 0 {
		d.AddNodes(cfg.CustomBootNodes)
	}

	log.WithFields(logrus.Fields{
		"id":      self.ID,
		"address": self.Address,
		"udp":     self.UDPPort,
		"tcp":     self.TCPPort,
		"http":    cfg.HTTPPort,
	}).Info("node started")

	go func() {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	_ = host.Shutdown()
	d.Shutdown()
}
