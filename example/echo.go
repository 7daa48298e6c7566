//go:build unix

package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Zereker/duplex"
)

// Server echoes every message back on a single poll loop.
type Server struct {
	connID atomic.Int64
	poller *duplex.Poller

	sync.RWMutex
	connections map[int64]*duplex.Conn
}

func newHandler(p *duplex.Poller) *Server {
	return &Server{poller: p, connections: make(map[int64]*duplex.Conn)}
}

func (s *Server) Handle(_ context.Context, t duplex.Transport, remote net.Addr) {
	connID := s.connID.Add(1)

	// Echo
	onReadOption := duplex.OnReadOption(func(h *duplex.Header, body []byte) {
		conn := s.getConn(connID)
		if h == nil {
			s.deleteConn(connID)
			return
		}
		if err := conn.Enqueue(h, body); err != nil {
			slog.Error("echo failed", "connID", connID, "error", err)
		}
	})
	onWriteCompleteOption := duplex.OnWriteCompleteOption(func(*duplex.Header, duplex.Payload) {})

	newConn, err := duplex.NewConn(t, onReadOption, onWriteCompleteOption)
	if err != nil {
		panic(err)
	}

	s.addConn(connID, remote, newConn)

	if err = s.poller.Register(newConn); err != nil {
		s.deleteConn(connID)
		_ = newConn.Disconnect()
	}
}

func (s *Server) addConn(connID int64, remote net.Addr, conn *duplex.Conn) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new conn", "connID", connID, "addr", remote)
	s.connections[connID] = conn
}

func (s *Server) deleteConn(connID int64) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, connID)
}

func (s *Server) getConn(connID int64) *duplex.Conn {
	s.RLock()
	defer s.RUnlock()

	return s.connections[connID]
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	server, err := duplex.Listen(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	poller, err := duplex.NewPoller()
	if err != nil {
		slog.Error("failed to create poller", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := poller.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("poller error", "error", err)
		}
	}()

	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx, newHandler(poller)); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
