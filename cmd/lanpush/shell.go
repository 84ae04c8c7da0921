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
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lanpush/lanpush/lib/node"
	"github.com/lanpush/lanpush/lib/transfer"
)

// Shell is the interactive command loop. It is a pure consumer of the
// node's hook interface: it reads snapshots, submits sends, and resolves
// pending confirmations; the node never calls into it.
type Shell struct {
	node *node.Node
	in   io.Reader
	out  io.Writer

	mu       sync.Mutex
	offers   []*transfer.PendingOffer
	quit     chan struct{}
	quitOnce sync.Once
}

// NewShell creates a shell over the given node.
func NewShell(n *node.Node, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		node: n,
		in:   in,
		out:  out,
		quit: make(chan struct{}),
	}
}

// Quit makes Run return after the current line.
func (s *Shell) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Run blocks until quit or EOF.
func (s *Shell) Run() {
	go s.collectOffers()
	go s.reportProgress()

	id := s.node.Identity()
	fmt.Fprintf(s.out, "lanpush %s listening on %s (broadcast discovery active)\n", id.Name, id.Endpoint())
	fmt.Fprintln(s.out, "Type 'help' for commands.")

	scanner := bufio.NewScanner(s.in)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		fmt.Fprint(s.out, "lanpush> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "help", "h":
			s.printHelp()
		case "peers", "p":
			s.printPeers()
		case "info", "i":
			s.printInfo()
		case "send":
			if len(fields) != 3 {
				fmt.Fprintln(s.out, "usage: send <peer-name|ip:port> <path>")
				continue
			}
			s.submitSend(fields[1], fields[2])
		case "yes", "y":
			s.resolveOffer(true)
		case "no", "n":
			s.resolveOffer(false)
		case "history":
			s.printHistory()
		case "quit", "q", "exit":
			s.Quit()
			return
		default:
			fmt.Fprintf(s.out, "unknown command %q; type 'help'\n", fields[0])
		}
	}
}

// collectOffers drains the confirmation queue, announcing each offer so
// the user can answer with yes/no.
func (s *Shell) collectOffers() {
	for {
		select {
		case p, ok := <-s.node.Confirmations():
			if !ok {
				return
			}
			s.mu.Lock()
			s.offers = append(s.offers, p)
			s.mu.Unlock()
			fmt.Fprintf(s.out, "\n[offer] %s wants to send %q (%s) — answer 'yes' or 'no'\n",
				p.From, p.Offer.Filename, formatSize(p.Offer.Size))
		case <-s.quit:
			return
		}
	}
}

// resolveOffer answers the oldest pending offer.
func (s *Shell) resolveOffer(accept bool) {
	s.mu.Lock()
	if len(s.offers) == 0 {
		s.mu.Unlock()
		fmt.Fprintln(s.out, "no pending offers")
		return
	}
	p := s.offers[0]
	s.offers = s.offers[1:]
	s.mu.Unlock()

	p.Resolve(accept)
	if accept {
		fmt.Fprintf(s.out, "accepted %q from %s\n", p.Offer.Filename, p.From)
	} else {
		fmt.Fprintf(s.out, "rejected %q from %s\n", p.Offer.Filename, p.From)
	}
}

// submitSend runs one send in the background and reports its outcome.
func (s *Shell) submitSend(target, path string) {
	fmt.Fprintf(s.out, "sending %s to %s...\n", path, target)
	go func() {
		result, err := s.node.SubmitSend(target, path)
		switch {
		case err == nil:
			fmt.Fprintf(s.out, "\n[done] %q delivered to %s (%s, md5 verified)\n",
				result.Filename, result.Peer, formatSize(result.Size))
		case errors.Is(err, transfer.ErrRejected):
			fmt.Fprintf(s.out, "\n[rejected] %s declined %q\n", result.Peer, result.Filename)
		default:
			fmt.Fprintf(s.out, "\n[failed] %q: %v\n", result.Filename, err)
		}
	}()
}

// reportProgress prints transfer progress at coarse steps to keep the
// shell readable.
func (s *Shell) reportProgress() {
	lastStep := make(map[string]int64)
	for {
		select {
		case e := <-s.node.Progress():
			if e.Total == 0 {
				continue
			}
			pct := e.Bytes * 100 / e.Total
			step := pct / 25
			if step > lastStep[e.SessionID] || e.Bytes == e.Total {
				lastStep[e.SessionID] = step
				fmt.Fprintf(s.out, "[%s] %q %d%% (%s/%s)\n",
					e.Direction, e.Filename, pct, formatSize(e.Bytes), formatSize(e.Total))
			}
			if e.Bytes == e.Total {
				delete(lastStep, e.SessionID)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  peers   (p)              list discovered peers")
	fmt.Fprintln(s.out, "  send <target> <path>     push a file to a peer name or ip:port")
	fmt.Fprintln(s.out, "  yes/no  (y/n)            answer the oldest pending offer")
	fmt.Fprintln(s.out, "  history                  recent transfer outcomes")
	fmt.Fprintln(s.out, "  info    (i)              this node's identity")
	fmt.Fprintln(s.out, "  quit    (q)              exit")
}

func (s *Shell) printPeers() {
	peers := s.node.PeersSnapshot()
	if len(peers) == 0 {
		fmt.Fprintln(s.out, "no peers discovered yet")
		return
	}
	fmt.Fprintf(s.out, "%-18s %-16s %-7s %-10s %s\n", "NAME", "IP", "PORT", "OS", "LAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(s.out, "%-18s %-16s %-7d %-10s %s\n",
			p.Identity.Name, p.Identity.IP, p.Identity.Port, p.Identity.OS,
			p.LastSeen.Format("15:04:05"))
	}
}

func (s *Shell) printInfo() {
	id := s.node.Identity()
	fmt.Fprintf(s.out, "name: %s\nendpoint: %s\nos: %s\npeers: %d\n",
		id.Name, id.Endpoint(), id.OS, len(s.node.PeersSnapshot()))
}

func (s *Shell) printHistory() {
	records, err := s.node.History(20)
	if err != nil {
		fmt.Fprintf(s.out, "history unavailable: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(s.out, "no transfers recorded")
		return
	}
	for _, r := range records {
		fmt.Fprintf(s.out, "%s  %-4s %-13s %-30q %10s  %s\n",
			r.Finished.Format("15:04:05"), r.Direction, r.Outcome, r.Filename,
			formatSize(r.Size), r.Peer)
	}
}

// formatSize renders a byte count for humans.
func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(n)/(1024*1024*1024))
	}
}
