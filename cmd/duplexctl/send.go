//go:build unix

package main

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Zereker/duplex"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Stream a file through an echo server",
	Long: `Read a file in chunks, send every chunk as one message and wait until the
server has echoed all of them back. Chunks can be split into several
segments, the write rate limited and single writes capped to exercise
the transfer engine.`,
	PreRunE: bindFlags,
	RunE:    runSend,
}

func init() {
	sendCmd.Flags().String("file", "", "file to send (required)")
	sendCmd.Flags().Int("chunk-size", 64*1024, "body size of each message")
	sendCmd.Flags().Int("segments", 1, "number of segments each chunk is split into")
	sendCmd.Flags().Int("window", 8, "messages in flight")
	sendCmd.Flags().Uint64("rate", 0, "write rate limit in bytes per second, 0 = unlimited")
	sendCmd.Flags().Int("max-transfer", 0, "cap of a single transport write, 0 = unlimited")
	sendCmd.Flags().String("tls-ca", "", "PEM CA bundle; enables TLS")
	sendCmd.Flags().String("tls-server-name", "localhost", "expected server name with --tls-ca")
	sendCmd.Flags().Duration("timeout", time.Minute, "overall time limit")
}

func runSend(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	name := viper.GetString("file")
	if name == "" {
		return errors.New("--file is required")
	}
	f, err := os.Open(name)
	if err != nil {
		return errors.Wrap(err, "open file")
	}
	defer f.Close()

	var cfg *tls.Config
	if ca := viper.GetString("tls-ca"); ca != "" {
		if cfg, err = loadClientTLS(ca, viper.GetString("tls-server-name")); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	t, err := duplex.Dial(ctx, viper.GetString("endpoint"), cfg)
	if err != nil {
		return err
	}

	s := newSender(f, viper.GetInt("chunk-size"), viper.GetInt("segments"), logger)
	c, err := duplex.NewConn(t,
		duplex.NameOption("send"),
		duplex.LoggerOption(logger),
		duplex.MaxTransferOption(viper.GetInt("max-transfer")),
		duplex.OnReadOption(s.onRead),
		duplex.OnWriteCompleteOption(s.onWriteComplete),
	)
	if err != nil {
		_ = t.Close()
		return err
	}
	if rate := viper.GetUint64("rate"); rate > 0 {
		c.SetBandwidthCheck(duplex.NewRateLimiter(rate).Check)
	}

	if err := clientHello(ctx, c); err != nil {
		_ = c.Disconnect()
		return err
	}

	runCtx, finish := context.WithCancel(ctx)
	defer finish()
	s.start(c, finish, viper.GetInt("window"))

	start := time.Now()
	if err := drive(runCtx, c, logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	_ = c.Disconnect()

	if err := s.result(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "send")
	}

	elapsed := time.Since(start)
	logger.Info("file sent",
		"file", name,
		"bytes", s.bytes,
		"messages", s.sent,
		"elapsed", elapsed,
		"throughput_bps", int64(float64(s.bytes)/elapsed.Seconds()))
	return nil
}

// drive runs c on the calling goroutine until ctx ends or the connection is
// gone.
func drive(ctx context.Context, c *duplex.Conn, logger *slog.Logger) error {
	if _, ok := c.Transport().(duplex.Notifier); ok {
		return c.Run(ctx)
	}

	p, err := duplex.NewPoller(duplex.PollerLoggerOption(logger), duplex.PollerTimeoutOption(50*time.Millisecond))
	if err != nil {
		return err
	}
	if err := p.Register(c); err != nil {
		return err
	}
	return p.Run(ctx)
}

// sender keeps a window of file chunks in flight and checks their echoes.
// All methods run on the goroutine driving the connection.
type sender struct {
	r         io.Reader
	chunkSize int
	segments  int
	logger    *slog.Logger

	conn    *duplex.Conn
	finish  func()
	window  int
	tag     uint32
	pending map[uint32]int
	eof     bool
	err     error

	sent  int
	bytes int64
}

func newSender(r io.Reader, chunkSize, segments int, logger *slog.Logger) *sender {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	if segments <= 0 {
		segments = 1
	}
	return &sender{
		r:         r,
		chunkSize: chunkSize,
		segments:  min(segments, duplex.MaxSegments),
		logger:    logger,
		pending:   make(map[uint32]int),
	}
}

func (s *sender) start(c *duplex.Conn, finish func(), window int) {
	s.conn = c
	s.finish = finish
	s.window = max(window, 1)
	for len(s.pending) < s.window && s.next() {
	}
	s.checkDone()
}

// next enqueues the next chunk. It reports false once nothing more can be
// sent.
func (s *sender) next() bool {
	if s.eof || s.err != nil || s.conn.IsClosed() {
		return false
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.eof = true
	} else if err != nil {
		s.fail(errors.Wrap(err, "read file"))
		return false
	}
	if n == 0 {
		return false
	}

	s.tag++
	h := &duplex.Header{Version: protocolVersion, Opcode: opData, Tag: s.tag, Size: uint32(n)}
	if err := s.conn.EnqueueSegments(h, split(buf[:n], s.segments)); err != nil {
		s.fail(err)
		return false
	}
	s.pending[h.Tag] = n
	s.sent++
	s.bytes += int64(n)
	return !s.eof
}

func (s *sender) onWriteComplete(h *duplex.Header, _ duplex.Payload) {
	if h == nil {
		s.fail(errors.New("connection lost while sending"))
		return
	}
	if len(s.pending) < s.window {
		s.next()
	}
}

func (s *sender) onRead(h *duplex.Header, body []byte) {
	if h == nil {
		if len(s.pending) > 0 || !s.eof {
			s.fail(errors.New("server closed the connection"))
		}
		return
	}

	size, ok := s.pending[h.Tag]
	if !ok || h.Opcode != opData || size != len(body) {
		s.fail(errors.Errorf("unexpected echo: tag %d opcode %d size %d", h.Tag, h.Opcode, len(body)))
		return
	}
	delete(s.pending, h.Tag)
	s.logger.Debug("chunk echoed", "tag", h.Tag, "size", size)

	for len(s.pending) < s.window && s.next() {
	}
	s.checkDone()
}

func (s *sender) checkDone() {
	if s.eof && len(s.pending) == 0 {
		s.finish()
	}
}

func (s *sender) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.finish()
}

func (s *sender) result() error {
	if s.err != nil {
		return s.err
	}
	if !s.eof || len(s.pending) != 0 {
		return errors.Errorf("incomplete transfer: %d of %d messages echoed", s.sent-len(s.pending), s.sent)
	}
	return nil
}

// split cuts b into n nearly equal segments.
func split(b []byte, n int) [][]byte {
	if n > len(b) {
		n = max(len(b), 1)
	}
	segs := make([][]byte, 0, n)
	size := len(b) / n
	for i := 0; i < n-1; i++ {
		segs = append(segs, b[:size])
		b = b[size:]
	}
	return append(segs, b)
}
