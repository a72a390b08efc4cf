package dialer

import (
	"errors"
	"fmt"

	"github.com/die-net/tcprelay/internal/ssh"
)

// NewSSHProxyDialer returns a dialer that tunnels through the SSH server at
// sshAddr. Keys come from cfg.SSHKeyPath and host keys are checked against
// cfg.SSHKnownHostsPath; see package ssh. No connection is made until the
// first dial.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*ssh.Client, error) {
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := ssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	hostKeys, err := ssh.NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return ssh.NewClient(sshAddr, ssh.ClientConfig{
		Username:         username,
		Password:         password,
		Signers:          signers,
		HostKeyCallback:  hostKeys,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}, NewDirectDialer(cfg)), nil
}
