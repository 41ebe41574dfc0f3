// Package transport carries client messages between the network and the
// hub. The TCP transport frames messages as newline-delimited JSON; the
// WebSocket transport sends one JSON message per text frame.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"callhub/internal/hub"
)

// MaxMessageSize bounds one inbound client message.
const MaxMessageSize = 64 << 10

// Acceptor is the hub side of the connection lifecycle.
type Acceptor interface {
	Accept(conn hub.Conn) string
	Receive(id string, payload []byte)
	Disconnect(id string)
}

var (
	_ hub.Conn = (*tcpConn)(nil)
	_ hub.Conn = (*wsConn)(nil)
)

// TCPServer accepts raw TCP clients.
type TCPServer struct {
	listener net.Listener
	acceptor Acceptor
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewTCPServer listens on address (e.g. ":4444"; ":0" picks a free port).
func NewTCPServer(address string, acceptor Acceptor, logger *slog.Logger) (*TCPServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		listener: listener,
		acceptor: acceptor,
		logger:   logger.With("component", "transport", "transport", "tcp"),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// waits for every connection reader to return.
func (s *TCPServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	defer s.wg.Wait()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

// Address returns the listening address in "host:port" form.
func (s *TCPServer) Address() string {
	return s.listener.Addr().String()
}

func (s *TCPServer) Close() error {
	return s.listener.Close()
}

func (s *TCPServer) serveConn(ctx context.Context, nc net.Conn) {
	id := s.acceptor.Accept(&tcpConn{conn: nc})
	defer s.acceptor.Disconnect(id)

	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), MaxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.acceptor.Receive(id, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("read failed", "conn", id, "err", err)
	}
}

type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) RemoteIP() string {
	return hostOf(c.conn.RemoteAddr().String())
}

func (c *tcpConn) Transport() string { return "tcp" }

func (c *tcpConn) Write(ctx context.Context, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
