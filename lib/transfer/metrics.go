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

import "github.com/uber-go/tally"

// metrics holds the transfer counters shared by sender and acceptor.
type metrics struct {
	started       tally.Counter
	completed     tally.Counter
	failed        tally.Counter
	rejected      tally.Counter
	bytesSent     tally.Counter
	bytesReceived tally.Counter
}

func newMetrics(scope tally.Scope) *metrics {
	return &metrics{
		started:       scope.Counter("transfers_started"),
		completed:     scope.Counter("transfers_completed"),
		failed:        scope.Counter("transfers_failed"),
		rejected:      scope.Counter("transfers_rejected"),
		bytesSent:     scope.Counter("bytes_sent"),
		bytesReceived: scope.Counter("bytes_received"),
	}
}

// count records a terminal outcome.
func (m *metrics) count(outcome Outcome) {
	switch outcome {
	case OutcomeDone:
		m.completed.Inc(1)
	case OutcomeRejected:
		m.rejected.Inc(1)
	default:
		m.failed.Inc(1)
	}
}
