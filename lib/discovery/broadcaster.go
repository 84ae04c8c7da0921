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
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/identity"
	"github.com/lanpush/lanpush/lib/protocol"
)

// HeartbeatInterval is the cadence of outgoing heartbeats.
const HeartbeatInterval = 3 * time.Second

// Config defines discovery configuration.
type Config struct {
	BroadcastPort     int    `yaml:"broadcast_port"`
	BroadcastAddr     string `yaml:"broadcast_addr"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	MDNS              MDNSConfig `yaml:"mdns"`
}

// applyDefaults fills zero values with the well-known defaults.
func (c *Config) applyDefaults() {
	if c.BroadcastPort == 0 {
		c.BroadcastPort = 23333
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = "255.255.255.255"
	}
}

// interval parses the configured heartbeat interval, falling back to the
// default on absence or parse failure.
func (c Config) interval() time.Duration {
	if c.HeartbeatInterval == "" {
		return HeartbeatInterval
	}
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || d <= 0 {
		return HeartbeatInterval
	}
	return d
}

// Broadcaster periodically announces this node's identity as a framed
// HEARTBEAT datagram on the broadcast port.
type Broadcaster struct {
	id       identity.Identity
	addr     *net.UDPAddr
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	sent     tally.Counter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroadcaster creates a heartbeat broadcaster for the given identity.
func NewBroadcaster(config Config, id identity.Identity, clk clock.Clock, logger *zap.Logger, scope tally.Scope) (*Broadcaster, error) {
	config.applyDefaults()

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", config.BroadcastAddr, config.BroadcastPort))
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address: %w", err)
	}

	return &Broadcaster{
		id:       id,
		addr:     addr,
		interval: config.interval(),
		clock:    clk,
		logger:   logger,
		sent:     scope.Counter("heartbeats_sent"),
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the broadcast loop. The first heartbeat goes out
// immediately so new nodes are discovered without waiting a full interval.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.loop()

	b.logger.Info("Broadcaster started",
		zap.String("addr", b.addr.String()),
		zap.Duration("interval", b.interval))
}

// Stop terminates the broadcast loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()

	b.send()

	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.send()
		case <-b.stopChan:
			return
		}
	}
}

// send emits one heartbeat. A failed send is logged and swallowed; the
// loop continues.
func (b *Broadcaster) send() {
	datagram, err := protocol.Datagram(protocol.Heartbeat{
		Name: b.id.Name,
		IP:   b.id.IP,
		Port: b.id.Port,
		OS:   b.id.OS,
	})
	if err != nil {
		b.logger.Error("Failed to encode heartbeat", zap.Error(err))
		return
	}

	conn, err := net.DialUDP("udp4", nil, b.addr)
	if err != nil {
		b.logger.Warn("Failed to open broadcast socket", zap.Error(err))
		return
	}
	defer conn.Close()

	if _, err := conn.Write(datagram); err != nil {
		b.logger.Warn("Failed to send heartbeat", zap.Error(err))
		return
	}
	b.sent.Inc(1)
}
