// Package dialer builds the outbound route to the relay's upstream.
//
// The upstream address itself is fixed by configuration; a Dialer only
// decides how the TCP stream to it is established: directly, through a
// SOCKS5 proxy, or as a direct-tcpip channel over an SSH connection.
package dialer
