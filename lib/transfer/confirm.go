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
package transfer

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/lanpush/lanpush/lib/protocol"
)

// PendingOffer is an inbound offer awaiting the local user's verdict.
// The receive handler blocks on it; the UI resolves it.
type PendingOffer struct {
	Offer    protocol.FileOffer
	From     string
	Received time.Time

	verdict chan bool
	once    sync.Once
}

// Resolve delivers the verdict. Calls after the first are no-ops, so a
// late UI answer cannot race the timeout.
func (p *PendingOffer) Resolve(accept bool) {
	p.once.Do(func() { p.verdict <- accept })
}

// Bridge decouples receive handlers from the interactive UI. Handlers push
// offers in and block; the UI pulls offers off the queue in arrival order
// and resolves them. Nothing ever calls into the UI.
type Bridge struct {
	clock clock.Clock
	queue chan *PendingOffer

	mu      sync.Mutex
	pending []*PendingOffer
}

// NewBridge creates a bridge with a bounded offer queue.
func NewBridge(clk clock.Clock) *Bridge {
	return &Bridge{
		clock: clk,
		queue: make(chan *PendingOffer, 16),
	}
}

// Request submits an offer and blocks until the UI resolves it or the
// confirmation timeout expires. Timeout and queue overflow both reject.
func (b *Bridge) Request(offer protocol.FileOffer, from string) bool {
	p := &PendingOffer{
		Offer:    offer,
		From:     from,
		Received: b.clock.Now(),
		verdict:  make(chan bool, 1),
	}

	select {
	case b.queue <- p:
	default:
		return false
	}

	b.mu.Lock()
	b.pending = append(b.pending, p)
	b.mu.Unlock()
	defer b.remove(p)

	timer := b.clock.Timer(ConfirmTimeout)
	defer timer.Stop()

	select {
	case accept := <-p.verdict:
		return accept
	case <-timer.C:
		// Resolve so a late UI answer lands in the buffered channel
		// instead of blocking forever.
		p.Resolve(false)
		return false
	}
}

// Offers returns the queue the UI consumes. Each dequeued offer must be
// resolved exactly once.
func (b *Bridge) Offers() <-chan *PendingOffer {
	return b.queue
}

// Pending returns a read-only snapshot of unresolved offers in arrival
// order.
func (b *Bridge) Pending() []*PendingOffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*PendingOffer, len(b.pending))
	copy(out, b.pending)
	return out
}

func (b *Bridge) remove(target *PendingOffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.pending {
		if p == target {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}
