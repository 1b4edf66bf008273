// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package file stores configuration in a YAML document on local disk.
//
// Every mutation rewrites the whole document through a temporary file and a rename, so
// readers never observe a partial write. Writers hold an advisory lock on PATH.lock from
// reading the document to renaming the new one into place, so sources in different
// processes never overwrite each other's changes. Edits made by other processes are
// picked up on the next operation, and, while anyone is watching, as soon as fsnotify
// reports them.
//
// A zero-length file never replaces a non-empty document, since editors and non-atomic
// writers truncate before writing. Remove the file to clear every entry.
package file

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/document"
)

const name = "file"

const lockRetryDelay = 5 * time.Millisecond

type Source struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	doc      *document.Document
	stat     os.FileInfo
	closed   bool
	watchers map[chan configsource.ChangeEvent]context.Context

	fsw  *fsnotify.Watcher
	stop chan struct{}
	wg   sync.WaitGroup
}

var (
	_ configsource.Source  = (*Source)(nil)
	_ configsource.Deleter = (*Source)(nil)
	_ configsource.Watcher = (*Source)(nil)
)

type Option func(*Source)

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// New opens the document at path. A missing file is an empty document and is created on
// the first write.
func New(path string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, configsource.BackendError(name, "open", err)
	}
	s := &Source{
		path:     abs,
		lock:     flock.New(abs + ".lock"),
		logger:   slog.Default(),
		now:      time.Now,
		doc:      document.New(),
		watchers: make(map[chan configsource.ChangeEvent]context.Context),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, configsource.BackendError(name, "open", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (*Source) Name() string { return name }

// Path is the absolute location of the document.
func (s *Source) Path() string { return s.path }

func (s *Source) Read(ctx context.Context, key string) (configsource.Entry, error) {
	if err := ctx.Err(); err != nil {
		return configsource.Entry{}, configsource.BackendError(name, "read", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return configsource.Entry{}, configsource.ErrClosed
	}
	if err := s.refreshLocked(); err != nil {
		return configsource.Entry{}, err
	}
	e, ok := s.doc.Get(key)
	if !ok {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return e, nil
}

func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return configsource.WriteResult{}, configsource.ErrClosed
	}
	unlock, err := s.lockFile(ctx, "write")
	if err != nil {
		return configsource.WriteResult{}, err
	}
	defer unlock()
	if err := s.reloadLocked(); err != nil {
		return configsource.WriteResult{}, err
	}

	next := s.doc.Clone()
	res := next.Put(key, value, s.now())
	if err := s.saveLocked(next); err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	s.broadcast(res.Event(configsource.OriginRemote))
	return res, nil
}

func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}
	unlock, err := s.lockFile(ctx, "delete")
	if err != nil {
		return configsource.DeleteResult{}, err
	}
	defer unlock()
	if err := s.reloadLocked(); err != nil {
		return configsource.DeleteResult{}, err
	}

	next := s.doc.Clone()
	res, ok := next.Delete(key)
	if !ok {
		return configsource.DeleteResult{}, configsource.NotFound(key)
	}
	if err := s.saveLocked(next); err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	s.broadcast(res.Event(configsource.OriginRemote))
	return res, nil
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, configsource.ErrClosed
	}
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return s.doc.Sorted(), nil
}

// Watch reports every change to the document, including edits made outside this process.
func (s *Source) Watch(ctx context.Context) (<-chan configsource.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, configsource.ErrClosed
	}
	if err := s.startNotifyLocked(); err != nil {
		return nil, configsource.BackendError(name, "watch", err)
	}

	ch := make(chan configsource.ChangeEvent, 64)
	s.watchers[ch] = ctx
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	fsw := s.fsw
	s.mu.Unlock()

	lockErr := s.lock.Close()
	if fsw == nil {
		return lockErr
	}
	close(s.stop)
	err := fsw.Close()
	s.wg.Wait()
	return errors.Join(err, lockErr)
}

// startNotifyLocked watches the parent directory, since an atomic rename replaces the
// inode a file watch would be attached to.
func (s *Source) startNotifyLocked() error {
	if s.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(s.path)); err != nil {
		_ = fsw.Close()
		return err
	}
	s.fsw = fsw
	s.wg.Add(1)
	go s.notifyLoop(fsw)
	return nil
}

func (s *Source) notifyLoop(fsw *fsnotify.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.mu.Lock()
			if !s.closed {
				if err := s.refreshLocked(); err != nil {
					s.logger.Warn("Failed to reload configuration file", slog.String("path", s.path), slog.Any("error", err))
				}
			}
			s.mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("File watch error", slog.String("path", s.path), slog.Any("error", err))
		}
	}
}

// lockFile takes the cross-process writer lock, giving up when ctx ends.
func (s *Source) lockFile(ctx context.Context, op string) (func(), error) {
	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, configsource.BackendError(name, op, err)
	}
	if !ok {
		return nil, configsource.BackendError(name, op, ctx.Err())
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("Failed to release configuration file lock", slog.String("path", s.path), slog.Any("error", err))
		}
	}, nil
}

// reloadLocked rereads the document even when its stat looks unchanged. Writers call it
// with the file lock held, so the revision they build on is the newest one.
func (s *Source) reloadLocked() error {
	s.stat = nil
	return s.refreshLocked()
}

// refreshLocked reloads the document when the file changed since it was last read and
// broadcasts the differences.
func (s *Source) refreshLocked() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if s.stat == nil && len(s.doc.Entries) == 0 {
			return nil
		}
		next := document.New()
		next.Revision = s.doc.Revision
		s.applyLocked(next)
		s.stat = nil
		return nil
	}
	if err != nil {
		return configsource.BackendError(name, "stat", err)
	}
	if unchanged(s.stat, info) {
		return nil
	}
	if info.Size() == 0 && len(s.doc.Entries) > 0 {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return configsource.BackendError(name, "read", err)
	}
	next, err := document.Decode(data)
	if err != nil {
		return configsource.BackendError(name, "decode", err)
	}
	s.applyLocked(next)
	s.stat = info
	return nil
}

// unchanged reports whether cur is the file last loaded. Atomic replacement always
// changes the inode, so it is detected even within one timestamp tick.
func unchanged(prev, cur os.FileInfo) bool {
	return prev != nil &&
		os.SameFile(prev, cur) &&
		prev.ModTime().Equal(cur.ModTime()) &&
		prev.Size() == cur.Size()
}

func (s *Source) applyLocked(next *document.Document) {
	for _, ev := range document.Reconcile(s.doc, next, s.now()) {
		s.broadcast(ev)
	}
	s.doc = next
}

func (s *Source) saveLocked(next *document.Document) error {
	data, err := next.Encode()
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}
	s.doc = next
	if info, err := os.Stat(s.path); err == nil {
		s.stat = info
	}
	return nil
}

// broadcast must be called with s.mu held.
func (s *Source) broadcast(ev configsource.ChangeEvent) {
	for ch, ctx := range s.watchers {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}
	return nil
}
