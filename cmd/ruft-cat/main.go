// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ruft-cat is a netcat-style client: it connects to a server, sends its
// standard input and prints received packets to standard output.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	ruft "github.com/ruft-net/ruft-go"
	"github.com/ruft-net/ruft-go/endpoint"
)

func parseMode(name string) (ruft.SendMode, error) {
	switch name {
	case "time-sensitive":
		return ruft.TimeSensitive, nil
	case "unreliable":
		return ruft.Unreliable, nil
	case "persistent":
		return ruft.Persistent, nil
	case "reliable":
		return ruft.Reliable, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", name)
	}
}

func run() error {
	channel := flag.Int("channel", 0, "channel to send on (0..63)")
	modeName := flag.String("mode", "reliable", "send mode: time-sensitive, unreliable, persistent, reliable")
	wait := flag.Duration("wait", time.Second, "time to wait for replies after sending")
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: %s [flags] host:port", os.Args[0])
	}
	address := flag.Arg(0)

	mode, err := parseMode(*modeName)
	if err != nil {
		return err
	}

	payload, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	client, err := ruft.NewClient("")
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	cfg := endpoint.DefaultConfig()
	peer, err := client.Connect(address, cfg)
	if err != nil {
		return err
	}

	// Split the input into packets the connection accepts
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > cfg.MaxPacketSize {
			chunk = chunk[:cfg.MaxPacketSize]
		}
		payload = payload[len(chunk):]

		if err := peer.Send(chunk, uint8(*channel), mode); err != nil {
			return err
		}
	}
	peer.Flush()

	var deadline <-chan time.Time
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				return nil
			}

			switch ev.Kind {
			case ruft.EventReceive:
				if _, err := os.Stdout.Write(ev.Data); err != nil {
					return err
				}

			case ruft.EventError:
				return fmt.Errorf("connection refused: %v", ev.HandshakeError)

			case ruft.EventTimeout:
				return fmt.Errorf("connection timed out")

			case ruft.EventDisconnect:
				return nil
			}

		case <-time.After(100 * time.Millisecond):
			// Once everything is delivered, linger briefly for replies,
			// then tear down.
			if deadline == nil && peer.PendingBytes() == 0 {
				deadline = time.After(*wait)
			}

		case <-deadline:
			peer.Disconnect()
			deadline = nil
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
