// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	ruft "github.com/ruft-net/ruft-go"
	"github.com/ruft-net/ruft-go/endpoint"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node      nodeConf
	Logging   logConf
	Listen    listenConf
	Limits    limitsConf
	Discovery discoveryConf
	HTTP      httpConf
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	Name string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes the Listen-configuration block.
type listenConf struct {
	Address         string
	MaxPeers        int `toml:"max-peers"`
	MaxPendingPeers int `toml:"max-pending-peers"`
}

// limitsConf describes the Limits-configuration block, the endpoint
// parameters applied to accepted connections. This block may be edited
// while the daemon runs; changes apply to connections accepted afterwards.
type limitsConf struct {
	MaxSendRate     int  `toml:"max-send-rate"`
	MaxReceiveRate  int  `toml:"max-receive-rate"`
	MaxPacketSize   int  `toml:"max-packet-size"`
	MaxReceiveAlloc int  `toml:"max-receive-alloc"`
	NoKeepalive     bool `toml:"no-keepalive"`
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// httpConf describes the HTTP-configuration block serving metrics and
// status.
type httpConf struct {
	Listen string
}

// endpointConfig translates the Limits block, falling back to the defaults
// for absent fields.
func (conf limitsConf) endpointConfig() endpoint.Config {
	cfg := endpoint.DefaultConfig()

	if conf.MaxSendRate != 0 {
		cfg.MaxSendRate = conf.MaxSendRate
	}
	if conf.MaxReceiveRate != 0 {
		cfg.MaxReceiveRate = conf.MaxReceiveRate
	}
	if conf.MaxPacketSize != 0 {
		cfg.MaxPacketSize = conf.MaxPacketSize
	}
	if conf.MaxReceiveAlloc != 0 {
		cfg.MaxReceiveAlloc = conf.MaxReceiveAlloc
	}
	cfg.Keepalive = !conf.NoKeepalive

	return cfg
}

func (conf listenConf) serverConfig(limits limitsConf) ruft.ServerConfig {
	cfg := ruft.DefaultServerConfig()
	cfg.Endpoint = limits.endpointConfig()

	if conf.MaxPeers != 0 {
		cfg.MaxPeers = conf.MaxPeers
	}
	if conf.MaxPendingPeers != 0 {
		cfg.MaxPendingPeers = conf.MaxPendingPeers
	}

	return cfg
}

// setupLogging applies the Logging block to the global logger.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig loads and checks the TOML configuration.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	setupLogging(conf.Logging)

	if conf.Node.Name == "" {
		err = fmt.Errorf("node.name is empty")
		return
	}
	if conf.Listen.Address == "" {
		err = fmt.Errorf("listen.address is empty")
		return
	}

	if err = conf.Limits.endpointConfig().Validate(); err != nil {
		err = fmt.Errorf("limits are invalid: %w", err)
		return
	}

	if conf.Discovery.Interval == 0 {
		conf.Discovery.Interval = 10
	}

	return
}

// parseLimits re-reads only the Limits block of a changed configuration.
func parseLimits(filename string) (limitsConf, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return limitsConf{}, err
	}
	return conf.Limits, nil
}

// parseListenPort extracts the UDP port the daemon listens on, announced
// through discovery.
func parseListenPort(address string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}
