package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j-veylop/claude-usage-agent/internal/logger"
)

const debounceInterval = 100 * time.Millisecond

// fileContents is the on-disk layout. Values are base64 encoded by encoding/json.
type fileContents struct {
	Entries map[string][]byte `json:"entries"`
	Version int               `json:"version"`
}

// File is a SecureStore backed by a single JSON file written with mode 0600.
// Every Set or Delete rewrites the whole file through a temp file and rename.
type File struct {
	mu            sync.Mutex
	path          string
	entries       map[string][]byte
	lastWritten   []byte
	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	stopChan      chan struct{}
}

// NewFile opens or creates the store file at path.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &File{
		path:     path,
		entries:  make(map[string][]byte),
		stopChan: make(chan struct{}),
	}

	if err := f.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	return f, nil
}

// Path returns the store file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (f *File) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.entries[key]
	f.entries[key] = bytes.Clone(value)
	if err := f.saveLocked(); err != nil {
		if had {
			f.entries[key] = prev
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.entries[key]
	if !had {
		return nil
	}
	delete(f.entries, key)
	if err := f.saveLocked(); err != nil {
		f.entries[key] = prev
		return err
	}
	return nil
}

// load reads the file into memory, replacing cached entries.
func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	return f.decodeLocked(data)
}

func (f *File) decodeLocked(data []byte) error {
	var contents fileContents
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &contents); err != nil {
			return fmt.Errorf("failed to parse store file: %w", err)
		}
	}
	if contents.Entries == nil {
		contents.Entries = make(map[string][]byte)
	}
	f.entries = contents.Entries
	f.lastWritten = data
	return nil
}

// saveLocked writes all entries to disk (must hold lock).
func (f *File) saveLocked() error {
	data, err := json.MarshalIndent(fileContents{Entries: f.entries, Version: 1}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	// Write to temp file first, then rename
	tmpFile := f.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpFile, f.path); err != nil {
		if removeErr := os.Remove(tmpFile); removeErr != nil {
			logger.Error("failed to remove temp file", "error", removeErr)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	f.lastWritten = data
	return nil
}

// Watch starts watching the store file for writes by other processes.
// onChange runs after the cache has been refreshed; writes made through this
// File do not trigger it.
func (f *File) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory (to catch file creation/deletion)
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return err
	}

	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()

	go f.watchLoop(watcher, onChange)
	return nil
}

// watchLoop handles file system events with debouncing.
func (f *File) watchLoop(watcher *fsnotify.Watcher, onChange func()) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(f.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				f.mu.Lock()
				if f.debounceTimer != nil {
					f.debounceTimer.Stop()
				}
				f.debounceTimer = time.AfterFunc(debounceInterval, func() {
					f.handleFileChange(onChange)
				})
				f.mu.Unlock()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("store watcher error", "path", f.path, "error", err)

		case <-f.stopChan:
			return
		}
	}
}

// handleFileChange reloads entries after an external change.
func (f *File) handleFileChange(onChange func()) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		logger.Warn("failed to read changed store file", "path", f.path, "error", err)
		return
	}

	f.mu.Lock()
	if bytes.Equal(data, f.lastWritten) {
		f.mu.Unlock()
		return
	}
	err = f.decodeLocked(data)
	f.mu.Unlock()

	if err != nil {
		logger.Warn("ignoring unreadable store file change", "path", f.path, "error", err)
		return
	}

	logger.Debug("store file changed externally", "path", f.path)
	if onChange != nil {
		onChange()
	}
}

// Close stops the file watcher and cleans up resources.
func (f *File) Close() error {
	f.mu.Lock()
	select {
	case <-f.stopChan:
		f.mu.Unlock()
		return nil
	default:
		close(f.stopChan)
	}

	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
	}
	watcher := f.watcher
	f.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
