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
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/protocol"
)

// responseGrace is added on top of the peer's confirmation window so its
// 60 s timeout expires (and its explicit rejection arrives) before ours.
const responseGrace = 5 * time.Second

// Sender pushes one local file to a peer, running the send-side state
// machine over a dedicated TCP connection.
type Sender struct {
	limiter  *BandwidthLimiter
	progress *ProgressSink
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics
	onResult func(Result)
}

// NewSender creates a sender. onResult is invoked with every terminal
// session result; it may be nil.
func NewSender(limiter *BandwidthLimiter, progress *ProgressSink, clk clock.Clock,
	logger *zap.Logger, scope tally.Scope, onResult func(Result)) *Sender {

	return &Sender{
		limiter:  limiter,
		progress: progress,
		clock:    clk,
		logger:   logger,
		metrics:  newMetrics(scope),
		onResult: onResult,
	}
}

// Send pushes the file at path to target ("ip:port"). It blocks until the
// session reaches a terminal state. ErrRejected reports a clean decline;
// any other non-nil error is a failure. The returned Result always
// carries the terminal outcome.
func (s *Sender) Send(ctx context.Context, target, path string) (Result, error) {
	started := s.clock.Now()
	sessionID := newSessionID(DirectionSend)
	result := Result{
		ID:        sessionID,
		Direction: DirectionSend,
		Peer:      target,
		Filename:  filepath.Base(path),
		Started:   started,
	}

	finish := func(outcome Outcome, err error) (Result, error) {
		result.Outcome = outcome
		result.Finished = s.clock.Now()
		s.metrics.count(outcome)
		if s.onResult != nil {
			s.onResult(result)
		}
		return result, err
	}

	logger := s.logger.With(
		zap.String("session_id", sessionID),
		zap.String("target", target),
		zap.String("path", path))

	// T0: validate the file and capture size + digest before connecting.
	info, err := os.Stat(path)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("stat file: %w", err))
	}
	if !info.Mode().IsRegular() {
		return finish(OutcomeFailed, fmt.Errorf("%s is not a regular file", path))
	}
	md5sum, err := FileMD5(path)
	if err != nil {
		return finish(OutcomeFailed, err)
	}
	result.Size = info.Size()
	result.MD5 = md5sum

	file, err := os.Open(path)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("open file: %w", err))
	}
	defer file.Close()

	s.metrics.started.Inc(1)
	logger.Info("Starting send",
		zap.Int64("size", info.Size()),
		zap.String("md5", md5sum))

	// T1: connect.
	conn, err := net.DialTimeout("tcp", target, ConnectTimeout)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("connect to %s: %w", target, err))
	}
	defer conn.Close()

	// Unblock all conn I/O promptly when the node shuts down mid-session.
	ioDone := make(chan struct{})
	defer close(ioDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-ioDone:
		}
	}()

	// T2: offer, then wait for the receiver's verdict.
	conn.SetWriteDeadline(time.Now().Add(IOTimeout))
	offer := protocol.FileOffer{
		Filename: filepath.Base(path),
		Size:     info.Size(),
		MD5:      md5sum,
	}
	if err := protocol.WriteMessage(conn, offer); err != nil {
		return finish(OutcomeFailed, fmt.Errorf("send offer: %w", err))
	}

	conn.SetReadDeadline(time.Now().Add(ResponseTimeout + responseGrace))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("await offer response: %w", err))
	}
	switch m := msg.(type) {
	case protocol.FileAccept:
	case protocol.FileReject:
		logger.Info("Offer rejected by peer", zap.String("reason", m.Reason))
		return finish(OutcomeRejected, ErrRejected)
	default:
		return finish(OutcomeFailed, fmt.Errorf("unexpected response to offer: %s", msg.Type()))
	}

	// T3: declare chunking.
	chunks := int((info.Size() + protocol.ChunkSize - 1) / protocol.ChunkSize)
	conn.SetWriteDeadline(time.Now().Add(IOTimeout))
	if err := protocol.WriteMessage(conn, protocol.FileMeta{
		Chunks:    chunks,
		ChunkSize: protocol.ChunkSize,
	}); err != nil {
		return finish(OutcomeFailed, fmt.Errorf("send meta: %w", err))
	}

	// T4: stream chunks in order. The source is watched so a concurrent
	// writer aborts the session instead of poisoning the digest.
	watch := watchSource(path, logger)
	defer watch.Close()

	buf := make([]byte, protocol.ChunkSize)
	var sent int64
	for seq := 0; seq < chunks; seq++ {
		if err := ctx.Err(); err != nil {
			return finish(OutcomeFailed, fmt.Errorf("send cancelled: %w", err))
		}
		if watch.tripped() {
			return finish(OutcomeFailed, ErrSourceModified)
		}

		n, err := io.ReadFull(file, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if seq != chunks-1 {
				return finish(OutcomeFailed, ErrSourceModified)
			}
		} else if err != nil {
			return finish(OutcomeFailed, fmt.Errorf("read chunk %d: %w", seq, err))
		}
		if n == 0 {
			return finish(OutcomeFailed, ErrSourceModified)
		}

		if err := s.limiter.Wait(ctx, n); err != nil {
			return finish(OutcomeFailed, fmt.Errorf("bandwidth wait: %w", err))
		}

		conn.SetWriteDeadline(time.Now().Add(IOTimeout))
		if err := protocol.WriteMessage(conn, protocol.FileChunk{Seq: seq, Data: buf[:n]}); err != nil {
			return finish(OutcomeFailed, fmt.Errorf("send chunk %d: %w", seq, err))
		}
		sent += int64(n)
		s.metrics.bytesSent.Inc(int64(n))

		s.progress.Emit(ProgressEvent{
			SessionID: sessionID,
			Direction: DirectionSend,
			Filename:  offer.Filename,
			Bytes:     sent,
			Total:     info.Size(),
		})
	}
	if sent != info.Size() {
		return finish(OutcomeFailed, ErrSourceModified)
	}

	// T5: close the stream.
	conn.SetWriteDeadline(time.Now().Add(IOTimeout))
	if err := protocol.WriteMessage(conn, protocol.FileDone{MD5: md5sum}); err != nil {
		return finish(OutcomeFailed, fmt.Errorf("send done: %w", err))
	}

	// T6: await the receiver's verdict.
	conn.SetReadDeadline(time.Now().Add(ResponseTimeout))
	msg, err = protocol.ReadMessage(conn)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("await verification: %w", err))
	}
	switch m := msg.(type) {
	case protocol.FileVerifyOK:
		logger.Info("File sent", zap.Int64("bytes", sent))
		return finish(OutcomeDone, nil)
	case protocol.FileVerifyFail:
		logger.Warn("Verification failed on receiver",
			zap.String("expected", m.Expected),
			zap.String("got", m.Got))
		return finish(OutcomeVerifyFailed, ErrVerifyFailed)
	default:
		return finish(OutcomeFailed, fmt.Errorf("unexpected verification response: %s", msg.Type()))
	}
}
