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

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// sourceWatch observes a file being streamed. A write, remove, or rename
// of the source invalidates the digest declared in the offer, so the send
// aborts instead of failing verification at the very end.
type sourceWatch struct {
	watcher  *fsnotify.Watcher
	modified chan struct{}
	once     sync.Once
	done     chan struct{}
}

// watchSource starts watching path. A watch that cannot be established is
// not fatal; the caller proceeds unwatched.
func watchSource(path string, logger *zap.Logger) *sourceWatch {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Cannot watch source file", zap.String("path", path), zap.Error(err))
		return nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		logger.Warn("Cannot watch source file", zap.String("path", path), zap.Error(err))
		return nil
	}

	w := &sourceWatch{
		watcher:  watcher,
		modified: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.once.Do(func() { close(w.modified) })
				}
			case <-watcher.Errors:
			case <-w.done:
				return
			}
		}
	}()

	return w
}

// Modified returns a channel closed on the first invalidating event.
// Safe on a nil watch: a nil channel never fires.
func (w *sourceWatch) Modified() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.modified
}

// Close releases the watch.
func (w *sourceWatch) Close() {
	if w == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
}

// tripped reports whether the source has already been modified.
func (w *sourceWatch) tripped() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.modified:
		return true
	default:
		return false
	}
}
