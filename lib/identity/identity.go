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
	"fmt"
	"net"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// Identity is this node's published identity. It is resolved once at
// startup and never mutated afterwards.
type Identity struct {
	Name string
	IP   string
	Port int
	OS   string
}

// Endpoint returns the node's transfer endpoint as "ip:port".
func (id Identity) Endpoint() string {
	return net.JoinHostPort(id.IP, fmt.Sprintf("%d", id.Port))
}

// Resolver resolves the local node identity.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a new identity resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve determines the node identity. name may be empty, in which case
// a default of the form node_<last-octet>_<port> is derived. port is the
// TCP transfer port the node ended up binding.
func (r *Resolver) Resolve(name string, port int) (Identity, error) {
	ip, err := r.LocalIP()
	if err != nil {
		return Identity{}, fmt.Errorf("detect local IP: %w", err)
	}

	if name == "" {
		name = defaultName(ip, port)
	}

	id := Identity{
		Name: name,
		IP:   ip,
		Port: port,
		OS:   runtime.GOOS,
	}

	r.logger.Info("Resolved node identity",
		zap.String("name", id.Name),
		zap.String("ip", id.IP),
		zap.Int("port", id.Port),
		zap.String("os", id.OS))

	return id, nil
}

// LocalIP returns the local machine's primary IPv4 address.
// It opens a UDP socket "connected" to a public address and reads the
// source address the kernel chose. No packet is sent.
func (r *Resolver) LocalIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return r.localIPFromInterfaces()
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// localIPFromInterfaces falls back to enumerating network interfaces.
func (r *Resolver) localIPFromInterfaces() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("get interface addresses: %w", err)
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	// Host without any routable interface; stay reachable on loopback.
	r.logger.Warn("No routable IPv4 interface found, using loopback")
	return "127.0.0.1", nil
}

// FreeTCPPort finds the first free TCP port at or above start. It returns
// the port and the bound listener so the caller holds the port from the
// moment of discovery.
func FreeTCPPort(start, attempts int) (net.Listener, int, error) {
	for port := start; port < start+attempts; port++ {
		ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free TCP port in range %d-%d", start, start+attempts-1)
}

// defaultName derives a node name from the IP's last octet and the port.
func defaultName(ip string, port int) string {
	octets := strings.Split(ip, ".")
	last := octets[len(octets)-1]
	return fmt.Sprintf("node_%s_%d", last, port)
}
