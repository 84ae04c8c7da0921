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

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/identity"
)

// MDNSConfig defines the optional mDNS announcer.
type MDNSConfig struct {
	Enable      bool   `yaml:"enable"`
	ServiceName string `yaml:"service_name"`
}

// Announcer advertises the node over mDNS so non-broadcast tooling can see
// it. It is purely additive: UDP broadcast heartbeats remain the
// authoritative discovery plane and the announcer never writes the peer
// table.
type Announcer struct {
	config MDNSConfig
	id     identity.Identity
	logger *zap.Logger
	server *mdns.Server
}

// NewAnnouncer creates an mDNS announcer for the given identity.
func NewAnnouncer(config MDNSConfig, id identity.Identity, logger *zap.Logger) *Announcer {
	if config.ServiceName == "" {
		config.ServiceName = "_lanpush._tcp"
	}
	return &Announcer{
		config: config,
		id:     id,
		logger: logger,
	}
}

// Start registers the mDNS service. A no-op when disabled.
func (a *Announcer) Start() error {
	if !a.config.Enable {
		return nil
	}

	ip := net.ParseIP(a.id.IP)
	if ip == nil {
		return fmt.Errorf("invalid node IP %q", a.id.IP)
	}

	service, err := mdns.NewMDNSService(
		a.id.Name,
		a.config.ServiceName,
		"",
		"",
		a.id.Port,
		[]net.IP{ip},
		[]string{
			fmt.Sprintf("name=%s", a.id.Name),
			fmt.Sprintf("os=%s", a.id.OS),
		},
	)
	if err != nil {
		return fmt.Errorf("create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("create mDNS server: %w", err)
	}
	a.server = server

	a.logger.Info("mDNS announcer started",
		zap.String("service", a.config.ServiceName),
		zap.String("instance", a.id.Name))
	return nil
}

// Stop shuts the mDNS server down.
func (a *Announcer) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
