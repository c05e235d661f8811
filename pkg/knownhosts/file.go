package knownhosts

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// File verifies host keys against an OpenSSH known_hosts style file and
// reloads itself when the file changes on disk. Lines have the form
//
//	host[,host...] key-type base64-key [comment]
//
// Hashed hostnames and marker lines are not supported; unparseable lines are
// skipped with a warning. A File must be shut down to release its watcher.
type File struct {
	*asyncobj.Helper
	path string

	mu      sync.RWMutex
	entries map[string][]hostEntry

	watcher *fsnotify.Watcher
}

type hostEntry struct {
	algorithm string
	keyBlob   []byte
}

// NewFile loads path and starts watching it for changes. The parent
// directory is watched too, so editors that replace the file atomically
// still trigger a reload.
func NewFile(log logger.Logger, path string) (*File, error) {
	f := &File{path: path}
	f.Helper = asyncobj.NewHelper(log.ForkLogStr(fmt.Sprintf("knownhosts<%s>", filepath.Base(path))), f)

	if err := f.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, f.DLogErrorf("fsnotify watcher: %s", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, f.DLogErrorf("watch %q: %s", filepath.Dir(path), err)
	}
	f.watcher = watcher
	f.SetIsActivated()
	go f.watchLoop()
	return f, nil
}

// HandleOnceShutdown runs exactly once when the verifier shuts down.
func (f *File) HandleOnceShutdown(completionErr error) error {
	if f.watcher != nil {
		f.watcher.Close()
	}
	return completionErr
}

func (f *File) watchLoop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f.DLogf("known hosts file changed (%s), reloading", event.Op)
			if err := f.reload(); err != nil {
				f.WLogf("known hosts reload failed, keeping previous entries: %s", err)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.WLogf("known hosts watcher: %s", err)
		case <-f.ShutdownStartedChan():
			return
		}
	}
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	entries := make(map[string][]hostEntry)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || strings.HasPrefix(fields[0], "@") || strings.HasPrefix(fields[0], "|") {
			f.WLogf("%s:%d: skipping unsupported line", f.path, lineNo)
			continue
		}
		keyBlob, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			f.WLogf("%s:%d: bad key encoding: %s", f.path, lineNo, err)
			continue
		}
		entry := hostEntry{algorithm: fields[1], keyBlob: keyBlob}
		for _, host := range strings.Split(fields[0], ",") {
			host = normalizeHost(host)
			if host != "" {
				entries[host] = append(entries[host], entry)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	f.DLogf("loaded %d known host names from %s", len(entries), f.path)
	return nil
}

// Verify implements sshkex.HostKeyVerifier. A matching key is trusted; a
// known host offering a different key is a mismatch; an absent host is
// unknown. Both failures are fatal to the connection.
func (f *File) Verify(hostname, algorithm string, keyBlob []byte) error {
	f.mu.RLock()
	known := f.entries[normalizeHost(hostname)]
	f.mu.RUnlock()

	offered := FingerprintSHA256(keyBlob)
	if len(known) == 0 {
		return &UnknownHostError{Hostname: hostname, Algorithm: algorithm, Fingerprint: offered}
	}
	expected := ""
	for _, entry := range known {
		if bytes.Equal(entry.keyBlob, keyBlob) {
			return nil
		}
		if entry.algorithm == algorithm {
			expected = FingerprintSHA256(entry.keyBlob)
		}
	}
	if expected == "" {
		// Host is known, but under different key algorithms only.
		return &UnknownHostError{Hostname: hostname, Algorithm: algorithm, Fingerprint: offered}
	}
	return &KeyMismatchError{Hostname: hostname, Algorithm: algorithm, Fingerprint: offered, Expected: expected}
}
