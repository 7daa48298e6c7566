//go:build unix

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/Zereker/duplex"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	Long: `Run a server that answers every message with an identical copy.
Plain connections share one poll(2) loop, TLS connections get their own
event loop each. Set --tls-cert and --tls-key to serve TLS.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().String("tls-cert", "", "PEM certificate; enables TLS")
	serveCmd.Flags().String("tls-key", "", "PEM private key of --tls-cert")
	serveCmd.Flags().String("metrics-endpoint", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9400)")
	serveCmd.Flags().Uint32("max-message-size", 64<<20, "largest accepted message body in bytes")
	serveCmd.Flags().Duration("handshake-timeout", 5*time.Second, "time allowed for the hello exchange")
	serveCmd.Flags().Duration("shutdown-timeout", 0, "grace period before the listener closes on shutdown")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	addr, err := net.ResolveTCPAddr("tcp", viper.GetString("endpoint"))
	if err != nil {
		return errors.Wrap(err, "resolve endpoint")
	}

	opts := []duplex.ServerOption{
		duplex.ServerLoggerOption(logger),
		duplex.ServerShutdownTimeoutOption(viper.GetDuration("shutdown-timeout")),
	}
	if cert := viper.GetString("tls-cert"); cert != "" {
		cfg, err := loadServerTLS(cert, viper.GetString("tls-key"))
		if err != nil {
			return err
		}
		opts = append(opts, duplex.ServerTLSOption(cfg))
	}

	server, err := duplex.Listen(addr, opts...)
	if err != nil {
		return err
	}
	poller, err := duplex.NewPoller(duplex.PollerLoggerOption(logger))
	if err != nil {
		_ = server.Close()
		return err
	}

	set := metrics.NewSet()
	h := &echoHandler{
		logger:           logger,
		poller:           poller,
		metrics:          set,
		maxMessageSize:   viper.GetUint32("max-message-size"),
		handshakeTimeout: viper.GetDuration("handshake-timeout"),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(poller.Run(ctx))
	})
	g.Go(func() error {
		defer server.Close()
		return ignoreCanceled(server.Serve(ctx, h))
	})
	if ep := viper.GetString("metrics-endpoint"); ep != "" {
		g.Go(func() error {
			return serveMetrics(ctx, ep, set)
		})
	}
	return g.Wait()
}

// echoHandler sends every inbound message back to its sender.
type echoHandler struct {
	logger           *slog.Logger
	poller           *duplex.Poller
	metrics          *metrics.Set
	maxMessageSize   uint32
	handshakeTimeout time.Duration
}

func (e *echoHandler) Handle(ctx context.Context, t duplex.Transport, remote net.Addr) {
	var c *duplex.Conn
	c, err := duplex.NewConn(t,
		duplex.NameOption(remote.String()),
		duplex.LoggerOption(e.logger),
		duplex.MetricsOption(e.metrics),
		duplex.MaxMessageSizeOption(e.maxMessageSize),
		duplex.OnReadOption(func(h *duplex.Header, body []byte) {
			if h == nil {
				return
			}
			if err := c.Enqueue(h, body); err != nil {
				e.logger.Warn("echo failed", "conn", c.Name(), "error", err)
			}
		}),
		duplex.OnWriteCompleteOption(func(*duplex.Header, duplex.Payload) {}),
	)
	if err != nil {
		_ = t.Close()
		e.logger.Error("cannot create connection", "remote_addr", remote, "error", err)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	err = serverHello(hctx, c)
	cancel()
	if err != nil {
		e.logger.Warn("hello failed", "remote_addr", remote, "error", err)
		_ = c.Disconnect()
		return
	}

	if _, ok := t.(duplex.Notifier); ok {
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("connection failed", "remote_addr", remote, "error", err)
		}
		return
	}
	if err := e.poller.Register(c); err != nil {
		if errors.Is(err, duplex.ErrPollerClosed) {
			e.logger.Debug("shutting down, connection refused", "remote_addr", remote)
		} else {
			e.logger.Error("cannot register connection", "remote_addr", remote, "error", err)
		}
		_ = c.Disconnect()
	}
}

func serveMetrics(ctx context.Context, addr string, set *metrics.Set) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics endpoint")
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
