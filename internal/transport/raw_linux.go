// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package transport

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	mdpacket "github.com/mdlayher/packet"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
)

// burstGap is how long Receive lingers for the next frame of a burst. An
// already expired deadline would fail the read before it is attempted.
const burstGap = 10 * time.Microsecond

// RawPort is a Port over an AF_PACKET socket. The kernel does not pass
// checksum offload requests for injected frames down to the driver, so
// checksums are finalized in software before transmit, and the dispatch hash
// is computed in software on receive.
type RawPort struct {
	name    string
	ifi     *net.Interface
	conn    *mdpacket.Conn
	pool    *Pool
	timeout time.Duration
	logger  *logging.Logger
	closed  atomic.Bool

	rxMu   sync.Mutex
	rxBuf  []byte
	parser *packet.Parser
	hdr    packet.Headers

	txMu     sync.Mutex
	txParser *packet.Parser
	txBuf    gopacket.SerializeBuffer
}

// OpenRaw brings cfg.Interface up and binds a raw socket to it.
func OpenRaw(cfg RawConfig, pool *Pool, logger *logging.Logger) (*RawPort, error) {
	if pool == nil {
		return nil, errors.New(errors.KindValidation, "raw port requires a buffer pool")
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("port").With("interface", cfg.Interface)

	link, err := netlink.LinkByName(cfg.Interface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "find link %s", cfg.Interface)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "set link %s up", cfg.Interface)
	}

	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", cfg.Interface)
	}
	conn, err := mdpacket.Listen(ifi, mdpacket.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open packet socket on %s", cfg.Interface)
	}
	if cfg.Promiscuous {
		if err := conn.SetPromiscuous(true); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, errors.KindUnavailable, "enable promiscuous mode on %s", cfg.Interface)
		}
	}

	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	p := &RawPort{
		name:     cfg.Interface,
		ifi:      ifi,
		conn:     conn,
		pool:     pool,
		timeout:  timeout,
		logger:   logger,
		rxBuf:    make([]byte, pool.BufSize()),
		parser:   packet.NewParser(),
		txParser: packet.NewParser(),
		txBuf:    gopacket.NewSerializeBuffer(),
	}
	p.logDriver(link)
	return p, nil
}

func (p *RawPort) logDriver(link netlink.Link) {
	attrs := link.Attrs()
	kv := []any{"mtu", attrs.MTU, "mac", p.ifi.HardwareAddr.String()}
	if eth, err := ethtool.NewEthtool(); err == nil {
		defer eth.Close()
		if drv, err := eth.DriverName(p.name); err == nil {
			kv = append(kv, "driver", drv)
		}
		if feats, err := eth.Features(p.name); err == nil {
			kv = append(kv, "tx_csum_offload", feats["tx-checksum-ip-generic"] || feats["tx-checksum-ipv4"])
		}
	}
	p.logger.Info("port opened", kv...)
}

func (p *RawPort) Name() string { return p.name }

// Receive reads frames until pkts is full, the socket runs dry, or the pool
// is empty. Frames this port transmitted itself are skipped.
func (p *RawPort) Receive(queue int, pkts []*packet.Packet) int {
	if queue != 0 || p.closed.Load() {
		return 0
	}
	p.rxMu.Lock()
	defer p.rxMu.Unlock()

	n := 0
	deadline := time.Now().Add(p.timeout)
	for n < len(pkts) {
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return n
		}
		sz, _, err := p.conn.ReadFrom(p.rxBuf)
		if err != nil {
			return n
		}
		frame := p.rxBuf[:sz]
		if sz >= 12 && bytes.Equal(frame[6:12], p.ifi.HardwareAddr) {
			continue
		}
		if err := p.pool.Get(pkts[n : n+1]); err != nil {
			return n
		}
		pkt := pkts[n]
		pkt.Data = append(pkt.Data[:0], frame...)
		if p.parser.Decode(pkt, &p.hdr) == nil {
			pkt.Hash = p.parser.SoftwareHash()
		}
		n++
		// Only the first read waits; the rest of the burst is what is queued.
		deadline = time.Now().Add(burstGap)
	}
	return n
}

// Send writes each frame to the wire. Transmitted frames go back to the pool.
func (p *RawPort) Send(queue int, pkts []*packet.Packet) int {
	if queue != 0 || p.closed.Load() {
		return 0
	}
	p.txMu.Lock()
	defer p.txMu.Unlock()

	for i, pkt := range pkts {
		if err := p.txParser.FinalizeChecksums(pkt, p.txBuf); err != nil {
			p.logger.Debug("checksum finalize failed", "error", err)
			return i
		}
		dst := net.HardwareAddr(pkt.Data[0:6])
		if _, err := p.conn.WriteTo(pkt.Data, &mdpacket.Addr{HardwareAddr: dst}); err != nil {
			p.logger.Debug("transmit failed", "error", err)
			return i
		}
		p.pool.Put(pkt)
	}
	return len(pkts)
}

func (p *RawPort) Alloc(pkts []*packet.Packet) error {
	if p.closed.Load() {
		return ErrPortClosed
	}
	return p.pool.Get(pkts)
}

func (p *RawPort) Free(pkts ...*packet.Packet) { p.pool.Put(pkts...) }

// NICStats returns the driver's ethtool counters.
func (p *RawPort) NICStats() (map[string]uint64, error) {
	eth, err := ethtool.NewEthtool()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open ethtool")
	}
	defer eth.Close()
	stats, err := eth.Stats(p.name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "read %s counters", p.name)
	}
	return stats, nil
}

func (p *RawPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.conn.Close()
}
