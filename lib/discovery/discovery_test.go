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
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/identity"
	"github.com/lanpush/lanpush/lib/peer"
	"github.com/lanpush/lanpush/lib/protocol"
)

func newTestListener(self identity.Identity, table *peer.Table, clk clock.Clock) *Listener {
	return &Listener{
		self:     self,
		table:    table,
		clock:    clk,
		logger:   zap.NewNop(),
		received: tally.NoopScope.Counter("heartbeats_received"),
		stopChan: make(chan struct{}),
	}
}

func heartbeatDatagram(t *testing.T, hb protocol.Heartbeat) []byte {
	t.Helper()
	data, err := protocol.Datagram(hb)
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	return data
}

func TestHandleDatagramUpsertsPeer(t *testing.T) {
	self := identity.Identity{Name: "self", IP: "192.168.1.5", Port: 12000}
	table := peer.NewTable(zap.NewNop(), tally.NoopScope)
	clk := clock.NewMock()
	l := newTestListener(self, table, clk)

	l.handleDatagram(heartbeatDatagram(t, protocol.Heartbeat{
		Name: "other", IP: "192.168.1.6", Port: 12001, OS: "linux",
	}))

	id, err := table.LookupByEndpoint("192.168.1.6", 12001)
	if err != nil {
		t.Fatalf("peer not in table: %v", err)
	}
	if id.Name != "other" || id.OS != "linux" {
		t.Errorf("wrong identity stored: %+v", id)
	}
}

func TestHandleDatagramFiltersSelfEcho(t *testing.T) {
	self := identity.Identity{Name: "self", IP: "192.168.1.5", Port: 12000}
	table := peer.NewTable(zap.NewNop(), tally.NoopScope)
	l := newTestListener(self, table, clock.NewMock())

	// Same (ip, port) as ourselves: our own broadcast echoed back.
	l.handleDatagram(heartbeatDatagram(t, protocol.Heartbeat{
		Name: "self", IP: "192.168.1.5", Port: 12000, OS: "linux",
	}))

	if table.Len() != 0 {
		t.Error("own heartbeat must never enter the peer table")
	}

	// Same IP but a different port is a genuine peer on this host.
	l.handleDatagram(heartbeatDatagram(t, protocol.Heartbeat{
		Name: "sibling", IP: "192.168.1.5", Port: 12001, OS: "linux",
	}))
	if table.Len() != 1 {
		t.Error("sibling node on same host must be discovered")
	}
}

func TestHandleDatagramDropsGarbage(t *testing.T) {
	self := identity.Identity{Name: "self", IP: "192.168.1.5", Port: 12000}
	table := peer.NewTable(zap.NewNop(), tally.NoopScope)
	l := newTestListener(self, table, clock.NewMock())

	l.handleDatagram([]byte("definitely not a frame"))
	l.handleDatagram(nil)

	// A well-framed non-heartbeat message is dropped too.
	data, err := protocol.Datagram(protocol.FileAccept{})
	if err != nil {
		t.Fatal(err)
	}
	l.handleDatagram(data)

	if table.Len() != 0 {
		t.Error("garbage datagrams must not create peers")
	}
}

func TestListenerReceivesOverUDP(t *testing.T) {
	const port = 24842

	self := identity.Identity{Name: "self", IP: "192.168.1.5", Port: 12000}
	table := peer.NewTable(zap.NewNop(), tally.NoopScope)
	config := Config{BroadcastPort: port}

	l, err := NewListener(config, self, table, clock.New(), zap.NewNop(), tally.NoopScope)
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	l.Start()
	defer l.Stop()

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", "24842"))
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	datagram := heartbeatDatagram(t, protocol.Heartbeat{
		Name: "remote", IP: "192.168.1.9", Port: 12003, OS: "darwin",
	})

	deadline := time.Now().Add(5 * time.Second)
	for table.Len() == 0 && time.Now().Before(deadline) {
		if _, err := conn.Write(datagram); err != nil {
			t.Fatalf("send datagram: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := table.LookupByEndpoint("192.168.1.9", 12003); err != nil {
		t.Fatalf("heartbeat never reached the table: %v", err)
	}
}

func TestSweeperEvictsExpiredPeers(t *testing.T) {
	table := peer.NewTable(zap.NewNop(), tally.NoopScope)
	clk := clock.NewMock()

	table.Upsert(identity.Identity{Name: "a", IP: "192.168.1.6", Port: 12001}, clk.Now())

	s := NewSweeper(table, clk, zap.NewNop())
	s.Start()
	defer s.Stop()

	// Past the TTL plus one sweep interval the record must be gone.
	for i := 0; i < 6; i++ {
		clk.Add(SweepInterval)
		time.Sleep(10 * time.Millisecond)
	}

	if table.Len() != 0 {
		t.Error("expired peer survived the sweeper")
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c.BroadcastPort != 23333 {
		t.Errorf("expected default port 23333, got %d", c.BroadcastPort)
	}
	if c.BroadcastAddr != "255.255.255.255" {
		t.Errorf("expected global broadcast address, got %s", c.BroadcastAddr)
	}

	if got := (Config{}).interval(); got != HeartbeatInterval {
		t.Errorf("expected default interval, got %v", got)
	}
	if got := (Config{HeartbeatInterval: "5s"}).interval(); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	if got := (Config{HeartbeatInterval: "junk"}).interval(); got != HeartbeatInterval {
		t.Errorf("bad interval must fall back to default, got %v", got)
	}
}
