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
package node

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/discovery"
	"github.com/lanpush/lanpush/lib/history"
	"github.com/lanpush/lanpush/lib/peer"
	"github.com/lanpush/lanpush/lib/protocol"
	"github.com/lanpush/lanpush/lib/transfer"
)

// Test nodes use a private broadcast port so runs never collide with a
// real node on the machine.
const testBroadcastPort = 24951

func newTestNode(t *testing.T, name string, broadcastPort int) *Node {
	t.Helper()
	cfg := Config{
		Name:      name,
		Downloads: filepath.Join(t.TempDir(), "downloads"),
		Discovery: discovery.Config{BroadcastPort: broadcastPort},
		History:   history.Config{Path: t.TempDir()},
	}
	n, err := New(cfg, clock.New(), zap.NewNop(), tally.NoopScope)
	if err != nil {
		t.Fatalf("New node failed: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

// sendHeartbeat injects a heartbeat datagram into a node's broadcast port
// over loopback.
func sendHeartbeat(t *testing.T, port int, hb protocol.Heartbeat) {
	t.Helper()
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	data, err := protocol.Datagram(hb)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatal(err)
	}
}

func TestNodeStartStop(t *testing.T) {
	n := newTestNode(t, "lifecycle", testBroadcastPort)
	if n.Identity().Name != "lifecycle" {
		t.Errorf("identity name not honored: %s", n.Identity().Name)
	}
}

func TestNodeLearnsPeersFromHeartbeats(t *testing.T) {
	n := newTestNode(t, "learner", testBroadcastPort+1)

	hb := protocol.Heartbeat{Name: "remote", IP: "192.168.77.4", Port: 12007, OS: "linux"}
	deadline := time.Now().Add(5 * time.Second)
	for len(n.PeersSnapshot()) == 0 && time.Now().Before(deadline) {
		sendHeartbeat(t, testBroadcastPort+1, hb)
		time.Sleep(20 * time.Millisecond)
	}

	peers := n.PeersSnapshot()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].Identity.Name != "remote" {
		t.Errorf("wrong peer learned: %+v", peers[0].Identity)
	}
}

func TestNodeIgnoresOwnHeartbeatEcho(t *testing.T) {
	n := newTestNode(t, "echo", testBroadcastPort+2)
	id := n.Identity()

	// The node's own broadcasts loop back; inject a few explicitly too.
	for i := 0; i < 5; i++ {
		sendHeartbeat(t, testBroadcastPort+2, protocol.Heartbeat{
			Name: id.Name, IP: id.IP, Port: id.Port, OS: id.OS,
		})
		time.Sleep(10 * time.Millisecond)
	}

	for _, p := range n.PeersSnapshot() {
		if p.Identity.IP == id.IP && p.Identity.Port == id.Port {
			t.Fatalf("node discovered itself: %+v", p.Identity)
		}
	}
}

func TestSubmitSendRejectsUnknownAndAmbiguousNames(t *testing.T) {
	n := newTestNode(t, "resolver", testBroadcastPort+3)

	if _, err := n.SubmitSend("nobody", "/tmp/x"); !errors.Is(err, peer.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Two peers sharing a name make it ambiguous.
	for len(n.PeersSnapshot()) < 2 {
		sendHeartbeat(t, testBroadcastPort+3, protocol.Heartbeat{Name: "twin", IP: "192.168.77.10", Port: 12010})
		sendHeartbeat(t, testBroadcastPort+3, protocol.Heartbeat{Name: "twin", IP: "192.168.77.11", Port: 12010})
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := n.SubmitSend("twin", "/tmp/x"); !errors.Is(err, peer.ErrAmbiguousName) {
		t.Errorf("expected ErrAmbiguousName, got %v", err)
	}

	if _, err := n.SubmitSend("not-an-endpoint:99999", "/tmp/x"); err == nil {
		t.Error("expected error for invalid endpoint target")
	}
}

// TestEndToEndTransferBetweenNodes runs a full push between two nodes in
// one process: offer, confirmation, chunk stream, verification, history.
func TestEndToEndTransferBetweenNodes(t *testing.T) {
	sender := newTestNode(t, "alice", testBroadcastPort+4)
	receiver := newTestNode(t, "bob", testBroadcastPort+5)

	// Auto-accept on the receiving side, as the shell would.
	go func() {
		for p := range receiver.Confirmations() {
			p.Resolve(true)
		}
	}()

	content := []byte("hello, world!")
	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	target := fmt.Sprintf("127.0.0.1:%d", receiver.Identity().Port)
	result, err := sender.SubmitSend(target, src)
	if err != nil {
		t.Fatalf("SubmitSend failed: %v", err)
	}
	if result.Outcome != transfer.OutcomeDone {
		t.Fatalf("expected done, got %s", result.Outcome)
	}

	// Receiver wrote the file under its download directory.
	matches, err := filepath.Glob(filepath.Join(receiver.config.Downloads, "hello.txt"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("received file missing (matches=%v, err=%v)", matches, err)
	}
	got, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("received %q, want %q", got, content)
	}

	// Both ledgers recorded the terminal outcome.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sent, _ := sender.History(10)
		recv, _ := receiver.History(10)
		if len(sent) > 0 && len(recv) > 0 {
			if sent[0].Outcome != transfer.OutcomeDone || recv[0].Outcome != transfer.OutcomeDone {
				t.Errorf("history outcomes: sent=%s recv=%s", sent[0].Outcome, recv[0].Outcome)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("transfer never reached both history ledgers")
}
