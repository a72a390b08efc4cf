package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType selects the SSH agent as the key source.
const AgentAuthType = "agent"

// AgentAvailable reports whether SSH_AUTH_SOCK is set.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// LoadSigners returns the signers for keySource:
//   - "": none
//   - "agent": every key held by the SSH agent
//   - anything else: the OpenSSH private key file at that path
func LoadSigners(keySource string) ([]ssh.Signer, error) {
	switch keySource {
	case "":
		return nil, nil
	case AgentAuthType:
		return agentSigners()
	}

	pem, err := os.ReadFile(keySource) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", keySource, err)
	}
	return []ssh.Signer{signer}, nil
}

// agentSigners keeps the agent connection open for as long as the process
// lives; the returned signers call back into it on every handshake.
func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh agent: list keys: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("ssh agent: no keys")
	}
	return signers, nil
}
