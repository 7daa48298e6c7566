//go:build !unix

package duplex

import "net"

// plainTransport falls back to a stream transport where raw descriptors
// are not available.
func plainTransport(conn *net.TCPConn) (Transport, error) {
	return NewStreamTransport(conn), nil
}
