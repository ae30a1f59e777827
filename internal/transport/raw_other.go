// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package transport

import (
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
)

// RawPort is only available on Linux.
type RawPort struct{}

func OpenRaw(cfg RawConfig, pool *Pool, logger *logging.Logger) (*RawPort, error) {
	return nil, errors.New(errors.KindUnsupported, "raw ports require linux")
}

func (p *RawPort) Name() string                                 { return "" }
func (p *RawPort) Receive(queue int, pkts []*packet.Packet) int { return 0 }
func (p *RawPort) Send(queue int, pkts []*packet.Packet) int    { return 0 }
func (p *RawPort) Alloc(pkts []*packet.Packet) error            { return ErrPortClosed }
func (p *RawPort) Free(pkts ...*packet.Packet)                  {}
func (p *RawPort) Close() error                                 { return nil }
