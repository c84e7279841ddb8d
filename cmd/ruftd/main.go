// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ruftd is an echo daemon: it accepts connections and sends every received
// packet back on the channel it arrived on. It announces itself on the
// local network and serves metrics and status over HTTP.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	ruft "github.com/ruft-net/ruft-go"
	"github.com/ruft-net/ruft-go/discovery"
	"github.com/ruft-net/ruft-go/metrics"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}
	configPath := os.Args[1]

	conf, err := parseConfig(configPath)
	if err != nil {
		log.WithField("error", err).Fatal("Failed to parse config")
	}

	server, err := ruft.Listen(conf.Listen.Address, conf.Listen.serverConfig(conf.Limits))
	if err != nil {
		log.WithField("error", err).Fatal("Failed to open the server socket")
	}

	var disco *discovery.Manager
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		port, portErr := parseListenPort(server.LocalAddr().String())
		if portErr != nil {
			log.WithField("error", portErr).Fatal("Failed to determine the announced port")
		}

		disco, err = discovery.NewManager(
			conf.Node.Name, logDiscoveredPeer,
			[]discovery.Announcement{{Name: conf.Node.Name, Port: port}},
			time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			log.WithField("error", err).Fatal("Failed to start discovery")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return runEcho(ctx, server) })
	group.Go(func() error { return watchConfig(ctx, configPath, server) })
	if conf.HTTP.Listen != "" {
		group.Go(func() error { return serveHTTP(ctx, conf.HTTP.Listen, server) })
	}

	group.Go(func() error {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)

		select {
		case <-sigint:
			log.Info("Shutting down..")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	err = group.Wait()

	var errs *multierror.Error
	errs = multierror.Append(errs, err)
	errs = multierror.Append(errs, server.Close())
	if disco != nil {
		disco.Close()
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.WithField("error", err).Fatal("Shutdown failed")
	}
}

func logDiscoveredPeer(name, address string) {
	log.WithFields(log.Fields{
		"name":    name,
		"address": address,
	}).Debug("Discovered another node")
}

// runEcho drains the server's events, sending every received packet back to
// its sender.
func runEcho(ctx context.Context, server *ruft.Server) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-server.Events():
			if !ok {
				return nil
			}

			switch ev.Kind {
			case ruft.EventConnect:
				log.WithField("peer", ev.Peer).Info("Peer connected")

			case ruft.EventReceive:
				if err := ev.Peer.Send(ev.Data, ev.ChannelID, ruft.Reliable); err != nil {
					log.WithFields(log.Fields{
						"peer":  ev.Peer,
						"error": err,
					}).Warn("Echo send failed")
				}

			case ruft.EventDisconnect:
				log.WithField("peer", ev.Peer).Info("Peer disconnected")

			case ruft.EventTimeout:
				log.WithField("peer", ev.Peer).Info("Peer timed out")
			}
		}
	}
}

// watchConfig re-applies the Limits block when the configuration file
// changes, so bandwidth limits can be adjusted without a restart.
func watchConfig(ctx context.Context, configPath string, server *ruft.Server) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(configPath); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			limits, err := parseLimits(configPath)
			if err != nil {
				log.WithField("error", err).Warn("Failed to re-parse the changed config")
				continue
			}

			if err := server.SetEndpointConfig(limits.endpointConfig()); err != nil {
				log.WithField("error", err).Warn("Failed to apply the changed limits")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithField("error", err).Warn("Config watcher failed")
		}
	}
}

// serveHTTP exposes Prometheus metrics under /metrics and a status snapshot
// under /status.
func serveHTTP(ctx context.Context, listen string, server *ruft.Server) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewSocketCollector("server", server))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(server.Stats())
	})

	httpServer := &http.Server{
		Addr:    listen,
		Handler: router,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("address", listen).Info("Serving metrics and status")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
