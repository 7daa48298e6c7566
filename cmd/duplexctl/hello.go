//go:build unix

package main

import (
	"context"

	"github.com/Zereker/duplex"
	"github.com/pkg/errors"
)

const protocolVersion = 1

// Opcodes of the duplexctl protocol.
const (
	opHello uint8 = 1
	opData  uint8 = 2
)

// Hello reply statuses.
const (
	statusOK uint8 = iota
	statusBadVersion
)

var errHelloRejected = errors.New("hello rejected")

// clientHello performs the version exchange before the connection is handed
// to an event loop.
func clientHello(ctx context.Context, c *duplex.Conn) error {
	h := duplex.Header{Version: protocolVersion, Opcode: opHello}
	w := h.Wire()
	if _, err := c.WritePoll(ctx, w[:]); err != nil {
		return errors.Wrap(err, "send hello")
	}

	reply, err := readHello(ctx, c)
	if err != nil {
		return err
	}
	if reply.Status != statusOK {
		return errors.Wrapf(errHelloRejected, "status %d, server version %d", reply.Status, reply.Version)
	}
	return nil
}

// serverHello answers a clientHello. A version mismatch is answered and then
// reported as an error.
func serverHello(ctx context.Context, c *duplex.Conn) error {
	req, err := readHello(ctx, c)
	if err != nil {
		return err
	}

	reply := duplex.Header{Version: protocolVersion, Opcode: opHello, Tag: req.Tag}
	if req.Version != protocolVersion {
		reply.Status = statusBadVersion
	}
	w := reply.Wire()
	if _, err := c.WritePoll(ctx, w[:]); err != nil {
		return errors.Wrap(err, "send hello reply")
	}
	if reply.Status != statusOK {
		return errors.Wrapf(errHelloRejected, "client version %d", req.Version)
	}
	return nil
}

func readHello(ctx context.Context, c *duplex.Conn) (duplex.Header, error) {
	var buf [duplex.HeaderSize]byte
	if _, err := c.ReadPoll(ctx, buf[:]); err != nil {
		return duplex.Header{}, errors.Wrap(err, "read hello")
	}
	h, err := duplex.ParseHeader(buf[:])
	if err != nil {
		return duplex.Header{}, err
	}
	if h.Opcode != opHello || h.Size != 0 {
		return duplex.Header{}, errors.Errorf("unexpected opcode %d during hello", h.Opcode)
	}
	return h, nil
}
