// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics exports socket traffic counters as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	ruft "github.com/ruft-net/ruft-go"
)

// StatsProvider is anything with a traffic counter snapshot, a ruft.Client
// or ruft.Server.
type StatsProvider interface {
	Stats() ruft.Stats
}

// SocketCollector exposes one socket's traffic counters. The socket label
// tells multiple sockets in one process apart.
type SocketCollector struct {
	provider StatsProvider
	label    string

	framesReceivedDesc  *prometheus.Desc
	framesSentDesc      *prometheus.Desc
	bytesReceivedDesc   *prometheus.Desc
	bytesSentDesc       *prometheus.Desc
	malformedFramesDesc *prometheus.Desc
	peersDesc           *prometheus.Desc
	pendingDesc         *prometheus.Desc
}

// NewSocketCollector creates a collector reading from the given provider,
// labelled with the given socket name.
func NewSocketCollector(label string, provider StatsProvider) *SocketCollector {
	namespace := "ruft"
	subsystem := "socket"

	labels := prometheus.Labels{"socket": label}

	return &SocketCollector{
		provider: provider,
		label:    label,

		framesReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_received_total"),
			"Total frames received",
			nil, labels,
		),
		framesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_sent_total"),
			"Total frames sent",
			nil, labels,
		),
		bytesReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_received_total"),
			"Total bytes received",
			nil, labels,
		),
		bytesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Total bytes sent",
			nil, labels,
		),
		malformedFramesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "malformed_frames_total"),
			"Total frames dropped as malformed",
			nil, labels,
		),
		peersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "peers"),
			"Established connections",
			nil, labels,
		),
		pendingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "pending_handshakes"),
			"Handshakes in flight",
			nil, labels,
		),
	}
}

func (c *SocketCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesReceivedDesc
	ch <- c.framesSentDesc
	ch <- c.bytesReceivedDesc
	ch <- c.bytesSentDesc
	ch <- c.malformedFramesDesc
	ch <- c.peersDesc
	ch <- c.pendingDesc
}

func (c *SocketCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.provider.Stats()

	ch <- prometheus.MustNewConstMetric(c.framesReceivedDesc, prometheus.CounterValue,
		float64(st.FramesReceived))
	ch <- prometheus.MustNewConstMetric(c.framesSentDesc, prometheus.CounterValue,
		float64(st.FramesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceivedDesc, prometheus.CounterValue,
		float64(st.BytesReceived))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue,
		float64(st.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.malformedFramesDesc, prometheus.CounterValue,
		float64(st.MalformedFrames))
	ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue,
		float64(st.Peers))
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue,
		float64(st.PendingHandshakes))
}
