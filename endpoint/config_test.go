// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"testing"

	"github.com/hashicorp/go-multierror"

	"github.com/ruft-net/ruft-go/frame"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateReportsAllViolations(t *testing.T) {
	err := Config{}.Validate()
	if err == nil {
		t.Fatal("empty config passed validation")
	}

	merr, ok := err.(*multierror.Error)
	if !ok {
		t.Fatalf("validation error is %T", err)
	}
	if len(merr.Errors) != 4 {
		t.Fatalf("%d violations reported, expected 4: %v", len(merr.Errors), merr)
	}
}

func TestConfigValidatePacketSizeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPacketSize = frame.MaxPacketSize + 1

	if err := cfg.Validate(); err == nil {
		t.Fatal("packet size beyond the protocol limit passed validation")
	}

	cfg.MaxPacketSize = frame.MaxPacketSize
	if err := cfg.Validate(); err != nil {
		t.Fatalf("packet size at the protocol limit rejected: %v", err)
	}
}
