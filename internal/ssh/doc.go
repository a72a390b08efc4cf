// Package ssh carries relay traffic over an SSH connection.
//
// A [Client] keeps one SSH transport per jump host and opens a
// "direct-tcpip" channel (the mechanism behind ssh -L) for every dial. The
// transport is established lazily, shared by all dials, and re-established
// once when a dial finds it broken.
//
// Authentication can use a password, a private key file, or keys held by
// the SSH agent. Host keys are checked against a known_hosts file.
//
//	signers, _ := ssh.LoadSigners("agent")
//	hostKeys, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts")
//
//	client := ssh.NewClient("jump.example.com:22", ssh.ClientConfig{
//	    Username:        "relay",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeys,
//	}, &net.Dialer{})
//
//	conn, err := client.DialContext(ctx, "tcp", "db.internal:5432")
package ssh
