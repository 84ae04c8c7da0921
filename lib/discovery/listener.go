// Copyright (c) 2024 Lanpush Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-reuseport"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/identity"
	"github.com/lanpush/lanpush/lib/peer"
	"github.com/lanpush/lanpush/lib/protocol"
)

// silentWarnAfter is how long the listener tolerates hearing no heartbeat
// at all before warning that the broadcast port may be firewalled.
const silentWarnAfter = 30 * time.Second

// Listener receives heartbeat datagrams and maintains the peer table.
type Listener struct {
	self     identity.Identity
	table    *peer.Table
	conn     net.PacketConn
	clock    clock.Clock
	logger   *zap.Logger
	received tally.Counter

	heard    atomic.Int64
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener binds the broadcast port with both address and port reuse so
// several nodes can coexist on one host. A bind failure is fatal: on
// platforms without port reuse the node must not silently steal datagrams
// from an already-running instance.
func NewListener(config Config, self identity.Identity, table *peer.Table, clk clock.Clock, logger *zap.Logger, scope tally.Scope) (*Listener, error) {
	config.applyDefaults()

	conn, err := reuseport.ListenPacket("udp4", fmt.Sprintf(":%d", config.BroadcastPort))
	if err != nil {
		return nil, fmt.Errorf("bind broadcast port %d with reuse: %w", config.BroadcastPort, err)
	}

	return &Listener{
		self:     self,
		table:    table,
		conn:     conn,
		clock:    clk,
		logger:   logger,
		received: scope.Counter("heartbeats_received"),
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the receive loop and the silence watchdog.
func (l *Listener) Start() {
	l.wg.Add(2)
	go l.recvLoop()
	go l.silenceWatch()

	l.logger.Info("Discovery listener started",
		zap.String("addr", l.conn.LocalAddr().String()))
}

// Stop closes the socket to unblock the receive loop and waits for exit.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.conn.Close()
	l.wg.Wait()
}

func (l *Listener) recvLoop() {
	defer l.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stopChan:
				return
			default:
				l.logger.Error("Error reading broadcast datagram", zap.Error(err))
				continue
			}
		}
		l.handleDatagram(buf[:n])
	}
}

// handleDatagram parses one datagram and updates the peer table.
// Malformed datagrams and non-heartbeat messages are dropped silently.
func (l *Listener) handleDatagram(data []byte) {
	msg, err := protocol.ParseDatagram(data)
	if err != nil {
		return
	}

	hb, ok := msg.(protocol.Heartbeat)
	if !ok {
		return
	}
	l.heard.Add(1)
	l.received.Inc(1)

	// The (ip, port) inside the message is authoritative, not the datagram
	// source: datagrams from this host may arrive via loopback or the
	// primary interface depending on the OS.
	if hb.IP == l.self.IP && hb.Port == l.self.Port {
		return
	}

	l.table.Upsert(identity.Identity{
		Name: hb.Name,
		IP:   hb.IP,
		Port: hb.Port,
		OS:   hb.OS,
	}, l.clock.Now())
}

// silenceWatch warns once if nothing has been heard on the broadcast port
// for silentWarnAfter. A bound socket on a firewalled port receives
// nothing and would otherwise look healthy.
func (l *Listener) silenceWatch() {
	defer l.wg.Done()

	timer := l.clock.Timer(silentWarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		if l.heard.Load() == 0 {
			l.logger.Warn("No heartbeats received since start; broadcast port may be firewalled",
				zap.String("addr", l.conn.LocalAddr().String()),
				zap.Duration("window", silentWarnAfter))
		}
	case <-l.stopChan:
	}
}
