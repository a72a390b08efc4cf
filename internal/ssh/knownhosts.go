package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback verifies host keys against the known_hosts file at
// path. Hosts missing from the file are appended on first contact; a host
// whose recorded key differs is rejected. An empty path disables host key
// checking.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Explicitly disabled by the user.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	h := &hostKeys{path: path, check: check}
	return h.verify, nil
}

type hostKeys struct {
	path  string
	check ssh.HostKeyCallback

	mu    sync.Mutex
	added map[string]ssh.PublicKey // learned since the file was loaded
}

func (h *hostKeys) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := h.check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s: %w", hostname, err)
	}

	host := knownhosts.Normalize(hostname)

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.added[host]; ok {
		if string(prev.Marshal()) != string(key.Marshal()) {
			return fmt.Errorf("host key mismatch for %s: changed since first contact", hostname)
		}
		return nil
	}

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{host}, key)); err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}

	if h.added == nil {
		h.added = make(map[string]ssh.PublicKey)
	}
	h.added[host] = key
	slog.Info("ssh: trusting new host key", "host", host, "known_hosts", h.path)
	return nil
}
