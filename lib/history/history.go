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
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/transfer"
)

// Store is the persistent ledger of terminal transfer outcomes. Live
// sessions are never written; a record lands here only once its session
// is done, rejected, or failed.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Config defines history storage configuration.
type Config struct {
	Path string `yaml:"path"`
}

// NewStore opens the ledger at config.Path, creating the directory on
// demand.
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	if config.Path == "" {
		config.Path = "./lanpush-history"
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the ledger.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record writes one terminal transfer result. Session IDs restart with
// the process, so the key is qualified by finish time.
func (s *Store) Record(result transfer.Result) error {
	key := fmt.Sprintf("transfer:%d:%s", result.Finished.UnixNano(), result.ID)
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal transfer record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// List returns up to n records, most recently finished first. n <= 0
// returns everything.
func (s *Store) List(n int) ([]transfer.Result, error) {
	var results []transfer.Result

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("transfer:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r transfer.Result
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				results = append(results, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list transfer records: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Finished.After(results[j].Finished)
	})
	if n > 0 && len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	logger *zap.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.logger.Error(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.logger.Warn(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}
