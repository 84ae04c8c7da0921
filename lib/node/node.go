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
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/discovery"
	"github.com/lanpush/lanpush/lib/history"
	"github.com/lanpush/lanpush/lib/identity"
	"github.com/lanpush/lanpush/lib/peer"
	"github.com/lanpush/lanpush/lib/transfer"
)

// Config defines the complete node configuration.
type Config struct {
	Name      string                   `yaml:"name"`
	Port      int                      `yaml:"port"`
	Downloads string                   `yaml:"downloads"`
	Discovery discovery.Config         `yaml:"discovery"`
	Bandwidth transfer.BandwidthConfig `yaml:"bandwidth"`
	History   history.Config           `yaml:"history"`
}

const (
	defaultPortStart    = 12000
	defaultPortAttempts = 100
	defaultDownloads    = "./downloads"
)

// Node owns every long-lived component: identity, peer table, discovery
// plane, transfer plane, and the history ledger. The external shell talks
// to it only through the hook methods below.
type Node struct {
	config Config
	logger *zap.Logger
	clock  clock.Clock

	id       identity.Identity
	table    *peer.Table
	bridge   *transfer.Bridge
	progress *transfer.ProgressSink

	tcpListener net.Listener
	broadcaster *discovery.Broadcaster
	listener    *discovery.Listener
	sweeper     *discovery.Sweeper
	announcer   *discovery.Announcer
	acceptor    *transfer.Acceptor
	sender      *transfer.Sender
	history     *history.Store

	ctx    context.Context
	cancel context.CancelFunc
}

// New resolves identity, binds the UDP and TCP sockets (failing fast on
// bind errors), and wires all components. Nothing runs until Start.
func New(config Config, clk clock.Clock, logger *zap.Logger, scope tally.Scope) (*Node, error) {
	if config.Downloads == "" {
		config.Downloads = defaultDownloads
	}

	// Bind the TCP transfer port first so the advertised identity names a
	// port this node actually holds.
	var (
		tcpListener net.Listener
		port        int
		err         error
	)
	if config.Port != 0 {
		tcpListener, err = net.Listen("tcp4", fmt.Sprintf(":%d", config.Port))
		if err != nil {
			return nil, fmt.Errorf("bind transfer port %d: %w", config.Port, err)
		}
		port = config.Port
	} else {
		tcpListener, port, err = identity.FreeTCPPort(defaultPortStart, defaultPortAttempts)
		if err != nil {
			return nil, err
		}
	}

	id, err := identity.NewResolver(logger).Resolve(config.Name, port)
	if err != nil {
		tcpListener.Close()
		return nil, err
	}

	table := peer.NewTable(logger, scope.SubScope("peers"))

	discoveryScope := scope.SubScope("discovery")
	broadcaster, err := discovery.NewBroadcaster(config.Discovery, id, clk, logger, discoveryScope)
	if err != nil {
		tcpListener.Close()
		return nil, err
	}
	udpListener, err := discovery.NewListener(config.Discovery, id, table, clk, logger, discoveryScope)
	if err != nil {
		tcpListener.Close()
		return nil, err
	}

	store, err := history.NewStore(config.History, logger)
	if err != nil {
		udpListener.Stop()
		tcpListener.Close()
		return nil, err
	}
	onResult := func(r transfer.Result) {
		if err := store.Record(r); err != nil {
			logger.Warn("Failed to record transfer history", zap.Error(err))
		}
	}

	bridge := transfer.NewBridge(clk)
	progress := transfer.NewProgressSink()
	limiter := transfer.NewBandwidthLimiter(config.Bandwidth, logger)
	transferScope := scope.SubScope("transfer")

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		config:      config,
		logger:      logger,
		clock:       clk,
		id:          id,
		table:       table,
		bridge:      bridge,
		progress:    progress,
		tcpListener: tcpListener,
		broadcaster: broadcaster,
		listener:    udpListener,
		sweeper:     discovery.NewSweeper(table, clk, logger),
		announcer:   discovery.NewAnnouncer(config.Discovery.MDNS, id, logger),
		acceptor: transfer.NewAcceptor(tcpListener, config.Downloads, bridge, limiter,
			progress, clk, logger, transferScope, onResult),
		sender:  transfer.NewSender(limiter, progress, clk, logger, transferScope, onResult),
		history: store,
		ctx:     ctx,
		cancel:  cancel,
	}
	return n, nil
}

// Start launches every concurrent activity.
func (n *Node) Start() error {
	n.logger.Info("Starting node",
		zap.String("name", n.id.Name),
		zap.String("endpoint", n.id.Endpoint()))

	n.listener.Start()
	n.broadcaster.Start()
	n.sweeper.Start()
	n.acceptor.Start()
	if err := n.announcer.Start(); err != nil {
		n.Stop()
		return fmt.Errorf("start mDNS announcer: %w", err)
	}
	return nil
}

// Stop cancels every task and closes the listening sockets to unblock
// accept and recv loops, then joins all goroutines. In-flight transfers
// observe the cancellation and abort.
func (n *Node) Stop() {
	n.logger.Info("Stopping node")
	n.cancel()
	n.broadcaster.Stop()
	n.listener.Stop()
	n.sweeper.Stop()
	n.announcer.Stop()
	n.acceptor.Stop()
	if err := n.history.Close(); err != nil {
		n.logger.Warn("Failed to close history store", zap.Error(err))
	}
	n.logger.Info("Node stopped")
}

// Identity returns this node's published identity.
func (n *Node) Identity() identity.Identity {
	return n.id
}

// PeersSnapshot returns a point-in-time copy of the peer table.
func (n *Node) PeersSnapshot() []peer.Record {
	return n.table.Snapshot()
}

// SubmitSend pushes a file to a target, which is either an "ip:port"
// endpoint or a peer name. It blocks until the session finishes; callers
// wanting concurrency run it on their own goroutine. Unknown and
// ambiguous names are rejected here, before anything touches the network.
func (n *Node) SubmitSend(target, path string) (transfer.Result, error) {
	endpoint, err := n.resolveTarget(target)
	if err != nil {
		return transfer.Result{}, err
	}
	return n.sender.Send(n.ctx, endpoint, path)
}

// Confirmations returns the queue of inbound offers awaiting a verdict.
// The consumer must resolve each dequeued offer exactly once.
func (n *Node) Confirmations() <-chan *transfer.PendingOffer {
	return n.bridge.Offers()
}

// PendingConfirmations returns the unresolved offers in arrival order.
func (n *Node) PendingConfirmations() []*transfer.PendingOffer {
	return n.bridge.Pending()
}

// Progress returns the stream of transfer progress events.
func (n *Node) Progress() <-chan transfer.ProgressEvent {
	return n.progress.Events()
}

// History returns up to limit recent terminal transfer records.
func (n *Node) History(limit int) ([]transfer.Result, error) {
	return n.history.List(limit)
}

// resolveTarget turns a user-supplied target into a dialable endpoint.
func (n *Node) resolveTarget(target string) (string, error) {
	if host, portStr, err := net.SplitHostPort(target); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return "", fmt.Errorf("invalid port in target %q", target)
		}
		if net.ParseIP(host) == nil {
			return "", fmt.Errorf("invalid IP in target %q", target)
		}
		return target, nil
	}

	id, err := n.table.LookupByName(target)
	if err != nil {
		return "", fmt.Errorf("resolve peer %q: %w", target, err)
	}
	return id.Endpoint(), nil
}
