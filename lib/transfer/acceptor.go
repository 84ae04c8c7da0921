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
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/protocol"
)

// Acceptor runs the TCP listen loop and the receive-side state machine,
// one goroutine per accepted connection.
type Acceptor struct {
	listener  net.Listener
	downloads string
	bridge    *Bridge
	limiter   *BandwidthLimiter
	progress  *ProgressSink
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics
	onResult  func(Result)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	stopOnce sync.Once
}

// NewAcceptor creates an acceptor over an already-bound listener. onResult
// is invoked with every terminal session result; it may be nil.
func NewAcceptor(listener net.Listener, downloads string, bridge *Bridge, limiter *BandwidthLimiter,
	progress *ProgressSink, clk clock.Clock, logger *zap.Logger, scope tally.Scope, onResult func(Result)) *Acceptor {

	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		listener:  listener,
		downloads: downloads,
		bridge:    bridge,
		limiter:   limiter,
		progress:  progress,
		clock:     clk,
		logger:    logger,
		metrics:   newMetrics(scope),
		onResult:  onResult,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start launches the accept loop.
func (a *Acceptor) Start() {
	a.wg.Add(1)
	go a.acceptLoop()

	a.logger.Info("Transfer acceptor started",
		zap.String("addr", a.listener.Addr().String()))
}

// Stop closes the listener and all in-flight connections, then waits for
// every handler to exit.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		a.listener.Close()
		a.mu.Lock()
		for conn := range a.conns {
			conn.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
				a.logger.Error("Error accepting connection", zap.Error(err))
				continue
			}
		}

		a.mu.Lock()
		a.conns[conn] = struct{}{}
		a.mu.Unlock()

		a.wg.Add(1)
		go a.handle(conn)
	}
}

// handle runs the receive state machine for one connection.
func (a *Acceptor) handle(conn net.Conn) {
	defer a.wg.Done()
	defer func() {
		conn.Close()
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	started := a.clock.Now()

	// S0: the first message must be an offer.
	conn.SetReadDeadline(time.Now().Add(IOTimeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		a.logger.Warn("Failed to read offer", zap.String("remote", remote), zap.Error(err))
		return
	}
	offer, ok := msg.(protocol.FileOffer)
	if !ok {
		a.logger.Warn("Unexpected first message",
			zap.String("remote", remote),
			zap.String("type", string(msg.Type())))
		return
	}

	a.metrics.started.Inc(1)
	sessionID := newSessionID(DirectionRecv)
	logger := a.logger.With(
		zap.String("session_id", sessionID),
		zap.String("remote", remote),
		zap.String("filename", offer.Filename))

	finish := func(outcome Outcome) {
		a.metrics.count(outcome)
		if a.onResult != nil {
			a.onResult(Result{
				ID:        sessionID,
				Direction: DirectionRecv,
				Peer:      remote,
				Filename:  offer.Filename,
				Size:      offer.Size,
				MD5:       offer.MD5,
				Outcome:   outcome,
				Started:   started,
				Finished:  a.clock.Now(),
			})
		}
	}

	logger.Info("Incoming file offer", zap.Int64("size", offer.Size))

	// S1: hand the offer to the user. Timeout and overflow reject; a
	// shutdown while waiting fails the session.
	verdict := make(chan bool, 1)
	go func() { verdict <- a.bridge.Request(offer, remote) }()
	var accepted bool
	select {
	case accepted = <-verdict:
	case <-a.ctx.Done():
		logger.Info("Shutdown while awaiting confirmation")
		finish(OutcomeFailed)
		return
	}
	if !accepted {
		conn.SetWriteDeadline(time.Now().Add(IOTimeout))
		if err := protocol.WriteMessage(conn, protocol.FileReject{Reason: "declined by receiver"}); err != nil {
			logger.Warn("Failed to send rejection", zap.Error(err))
		}
		logger.Info("Offer rejected")
		finish(OutcomeRejected)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(IOTimeout))
	if err := protocol.WriteMessage(conn, protocol.FileAccept{}); err != nil {
		logger.Warn("Failed to send acceptance", zap.Error(err))
		finish(OutcomeFailed)
		return
	}

	if err := a.receiveFile(conn, offer, sessionID, logger, finish); err != nil {
		logger.Warn("Receive failed", zap.Error(err))
	}
}

// receiveFile runs S2-S4: meta, chunk stream, verification. The output
// file is created only after the offer is accepted, written under a .part
// name and renamed into place on success. Any failure removes the partial.
func (a *Acceptor) receiveFile(conn net.Conn, offer protocol.FileOffer, sessionID string,
	logger *zap.Logger, finish func(Outcome)) error {

	// S2: chunking declaration.
	conn.SetReadDeadline(time.Now().Add(IOTimeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		finish(OutcomeFailed)
		return fmt.Errorf("read meta: %w", err)
	}
	meta, ok := msg.(protocol.FileMeta)
	if !ok {
		finish(OutcomeFailed)
		return fmt.Errorf("expected FILE_META, got %s", msg.Type())
	}
	if meta.ChunkSize <= 0 || meta.Chunks < 0 {
		finish(OutcomeFailed)
		return fmt.Errorf("invalid meta: chunks=%d chunk_size=%d", meta.Chunks, meta.ChunkSize)
	}
	expected := int((offer.Size + int64(meta.ChunkSize) - 1) / int64(meta.ChunkSize))
	if meta.Chunks != expected {
		finish(OutcomeFailed)
		return fmt.Errorf("chunk count %d does not cover declared size %d", meta.Chunks, offer.Size)
	}

	if err := os.MkdirAll(a.downloads, 0755); err != nil {
		finish(OutcomeFailed)
		return fmt.Errorf("create download directory: %w", err)
	}
	final := uniquePath(a.downloads, offer.Filename)
	part := final + partSuffix

	out, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		finish(OutcomeFailed)
		return fmt.Errorf("create partial file: %w", err)
	}
	removePart := func() {
		out.Close()
		os.Remove(part)
	}

	// S3: exactly meta.Chunks chunks, in order, fed through the digest.
	digest := md5.New()
	var received int64
	for seq := 0; seq < meta.Chunks; seq++ {
		conn.SetReadDeadline(time.Now().Add(IOTimeout))
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			removePart()
			finish(OutcomeFailed)
			return fmt.Errorf("read chunk %d: %w", seq, err)
		}
		chunk, ok := msg.(protocol.FileChunk)
		if !ok {
			removePart()
			finish(OutcomeFailed)
			return fmt.Errorf("expected FILE_CHUNK, got %s", msg.Type())
		}
		if chunk.Seq != seq {
			removePart()
			finish(OutcomeFailed)
			return fmt.Errorf("chunk out of order: got seq %d, want %d", chunk.Seq, seq)
		}

		if err := a.limiter.Wait(a.ctx, len(chunk.Data)); err != nil {
			removePart()
			finish(OutcomeFailed)
			return fmt.Errorf("bandwidth wait: %w", err)
		}

		if _, err := out.Write(chunk.Data); err != nil {
			removePart()
			finish(OutcomeFailed)
			return fmt.Errorf("write chunk %d: %w", seq, err)
		}
		digest.Write(chunk.Data)
		received += int64(len(chunk.Data))
		if received > offer.Size {
			removePart()
			finish(OutcomeFailed)
			return fmt.Errorf("received %d bytes, declared size %d", received, offer.Size)
		}
		a.metrics.bytesReceived.Inc(int64(len(chunk.Data)))

		a.progress.Emit(ProgressEvent{
			SessionID: sessionID,
			Direction: DirectionRecv,
			Filename:  offer.Filename,
			Bytes:     received,
			Total:     offer.Size,
		})
	}
	if received != offer.Size {
		removePart()
		finish(OutcomeFailed)
		return fmt.Errorf("received %d bytes, declared size %d", received, offer.Size)
	}

	// S4: closing digest echo, then verdict.
	conn.SetReadDeadline(time.Now().Add(IOTimeout))
	msg, err = protocol.ReadMessage(conn)
	if err != nil {
		removePart()
		finish(OutcomeFailed)
		return fmt.Errorf("read done: %w", err)
	}
	done, ok := msg.(protocol.FileDone)
	if !ok {
		removePart()
		finish(OutcomeFailed)
		return fmt.Errorf("expected FILE_DONE, got %s", msg.Type())
	}

	local := hex.EncodeToString(digest.Sum(nil))
	conn.SetWriteDeadline(time.Now().Add(IOTimeout))

	if local != done.MD5 {
		protocol.WriteMessage(conn, protocol.FileVerifyFail{Expected: done.MD5, Got: local})
		removePart()
		logger.Warn("Digest mismatch",
			zap.String("expected", done.MD5),
			zap.String("got", local))
		finish(OutcomeVerifyFailed)
		return nil
	}

	if err := out.Close(); err != nil {
		os.Remove(part)
		finish(OutcomeFailed)
		return fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		finish(OutcomeFailed)
		return fmt.Errorf("finalize file: %w", err)
	}

	if err := protocol.WriteMessage(conn, protocol.FileVerifyOK{}); err != nil {
		logger.Warn("Failed to send verify result", zap.Error(err))
	}

	logger.Info("File received",
		zap.String("path", final),
		zap.Int64("bytes", received))
	finish(OutcomeDone)
	return nil
}
