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
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/identity"
)

// TTL is how long a peer stays in the table without a heartbeat.
const TTL = 60 * time.Second

var (
	// ErrNotFound is returned when no peer matches a lookup.
	ErrNotFound = errors.New("peer not found")

	// ErrAmbiguousName is returned when two peers share the looked-up name.
	ErrAmbiguousName = errors.New("peer name is ambiguous")
)

// Record is one entry in the peer table: an identity plus the time of the
// most recent heartbeat.
type Record struct {
	Identity identity.Identity
	LastSeen time.Time
}

// Table is the thread-safe peer liveness table. The key is (ip, port);
// names never key the table since they may collide.
type Table struct {
	mu      sync.Mutex
	entries map[string]Record
	ttl     time.Duration
	logger  *zap.Logger
	peers   tally.Gauge
}

// NewTable creates an empty peer table.
func NewTable(logger *zap.Logger, scope tally.Scope) *Table {
	return &Table{
		entries: make(map[string]Record),
		ttl:     TTL,
		logger:  logger,
		peers:   scope.Gauge("peers_active"),
	}
}

func key(id identity.Identity) string {
	return fmt.Sprintf("%s:%d", id.IP, id.Port)
}

// Upsert inserts a peer or bumps its last-seen time. last_seen never moves
// backwards for a given key.
func (t *Table) Upsert(id identity.Identity, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(id)
	existing, ok := t.entries[k]
	if ok && now.Before(existing.LastSeen) {
		return
	}
	if !ok {
		t.logger.Debug("New peer",
			zap.String("name", id.Name),
			zap.String("endpoint", k))
	}
	t.entries[k] = Record{Identity: id, LastSeen: now}
	t.peers.Update(float64(len(t.entries)))
}

// Snapshot returns an owned copy of all records. Order is unspecified.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]Record, 0, len(t.entries))
	for _, r := range t.entries {
		records = append(records, r)
	}
	return records
}

// LookupByName finds a peer by exact, case-sensitive name. Returns
// ErrNotFound if no peer matches and ErrAmbiguousName if more than one does.
func (t *Table) LookupByName(name string) (identity.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found identity.Identity
	matches := 0
	for _, r := range t.entries {
		if r.Identity.Name == name {
			found = r.Identity
			matches++
		}
	}

	switch matches {
	case 0:
		return identity.Identity{}, ErrNotFound
	case 1:
		return found, nil
	default:
		return identity.Identity{}, ErrAmbiguousName
	}
}

// LookupByEndpoint finds a peer by (ip, port).
func (t *Table) LookupByEndpoint(ip string, port int) (identity.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[fmt.Sprintf("%s:%d", ip, port)]
	if !ok {
		return identity.Identity{}, ErrNotFound
	}
	return r.Identity, nil
}

// Sweep removes entries whose last heartbeat is older than the TTL.
// Safe to call concurrently with Upsert.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, r := range t.entries {
		if now.Sub(r.LastSeen) > t.ttl {
			t.logger.Info("Peer expired",
				zap.String("name", r.Identity.Name),
				zap.String("endpoint", k))
			delete(t.entries, k)
		}
	}
	t.peers.Update(float64(len(t.entries)))
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
