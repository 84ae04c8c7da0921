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
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/peer"
)

// SweepInterval is the cadence of peer table eviction. It must stay at or
// below half the peer TTL.
const SweepInterval = 15 * time.Second

// Sweeper periodically evicts expired entries from the peer table.
type Sweeper struct {
	table    *peer.Table
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the given table.
func NewSweeper(table *peer.Table, clk clock.Clock, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		table:    table,
		interval: SweepInterval,
		clock:    clk,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.table.Sweep(s.clock.Now())
		case <-s.stopChan:
			return
		}
	}
}
