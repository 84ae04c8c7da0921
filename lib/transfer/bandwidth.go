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
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lanpush/lanpush/lib/protocol"
)

// BandwidthConfig defines optional bandwidth limiting for chunk streaming.
type BandwidthConfig struct {
	Enable     bool  `yaml:"enable"`
	BitsPerSec int64 `yaml:"bits_per_sec"`
}

// BandwidthLimiter paces chunk payload bytes through a token bucket.
// Disabled, it costs nothing.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewBandwidthLimiter creates a limiter from config.
func NewBandwidthLimiter(config BandwidthConfig, logger *zap.Logger) *BandwidthLimiter {
	if !config.Enable || config.BitsPerSec <= 0 {
		return &BandwidthLimiter{enabled: false}
	}

	bytesPerSec := config.BitsPerSec / 8
	logger.Info("Bandwidth limiting enabled",
		zap.Int64("bytes_per_sec", bytesPerSec))

	// Burst of one second's worth, but never less than one chunk, so a full
	// chunk always fits.
	burst := int(bytesPerSec)
	if burst < protocol.ChunkSize {
		burst = protocol.ChunkSize
	}
	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		enabled: true,
	}
}

// Wait blocks until n bytes may pass, or the context is cancelled.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	if !bl.enabled {
		return nil
	}
	return bl.limiter.WaitN(ctx, n)
}
