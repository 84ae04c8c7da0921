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
package identity

import (
	"net"
	"testing"
)

func TestDefaultName(t *testing.T) {
	if got := defaultName("192.168.1.42", 12001); got != "node_42_12001" {
		t.Errorf("defaultName = %s, want node_42_12001", got)
	}
}

func TestEndpoint(t *testing.T) {
	id := Identity{Name: "a", IP: "10.0.0.7", Port: 12000}
	if got := id.Endpoint(); got != "10.0.0.7:12000" {
		t.Errorf("Endpoint = %s", got)
	}
}

func TestFreeTCPPortSkipsTakenPorts(t *testing.T) {
	// Occupy a port, then ask for the first free one starting there.
	taken, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	start := taken.Addr().(*net.TCPAddr).Port

	ln, port, err := FreeTCPPort(start, 10)
	if err != nil {
		t.Fatalf("FreeTCPPort failed: %v", err)
	}
	defer ln.Close()

	if port == start {
		t.Errorf("returned the occupied port %d", port)
	}
	if port <= start || port >= start+10 {
		t.Errorf("port %d outside search range (%d, %d)", port, start, start+10)
	}
}
