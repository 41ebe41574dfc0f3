package ami

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"time"
)

const loginActionID = "callhub-login"

type Config struct {
	Addr              string
	Username          string
	Secret            string
	ReconnectInterval time.Duration
	// Dial overrides how the manager connection is opened.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger.With("component", "ami")}
}

// Run keeps a manager session open until ctx is cancelled, reconnecting
// after every failure.
func (c *Client) Run(ctx context.Context, h Handler) error {
	for {
		err := c.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("manager session ended", "addr", c.cfg.Addr, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) session(ctx context.Context, h Handler) error {
	conn, err := c.cfg.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := textproto.NewReader(bufio.NewReader(conn))
	banner, err := r.ReadLine()
	if err != nil {
		return fmt.Errorf("read banner: %w", err)
	}
	version := banner
	if i := strings.LastIndexByte(banner, '/'); i >= 0 {
		version = banner[i+1:]
	}

	w := bufio.NewWriter(conn)
	if err := writeAction(w, Action{
		Name:   "Login",
		ID:     loginActionID,
		Fields: map[string]string{"Username": c.cfg.Username, "Secret": c.cfg.Secret, "Events": "on"},
	}); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	for {
		packet, err := readPacket(r)
		if err != nil {
			return fmt.Errorf("read login response: %w", err)
		}
		if packet["ActionID"] != loginActionID {
			continue
		}
		if packet["Response"] != "Success" {
			return fmt.Errorf("login rejected: %s", packet["Message"])
		}
		break
	}

	c.mu.Lock()
	c.conn, c.w = conn, w
	c.mu.Unlock()

	c.logger.Info("manager session established", "addr", c.cfg.Addr, "version", version)
	h.PBXConnected(version)

	defer func() {
		c.mu.Lock()
		c.conn, c.w = nil, nil
		c.mu.Unlock()
		h.PBXDisconnected()
	}()

	for {
		packet, err := readPacket(r)
		if err != nil {
			return err
		}
		if name, ok := packet["Event"]; ok {
			delete(packet, "Event")
			h.PBXEvent(Event{Name: name, Fields: packet})
			continue
		}
		if status, ok := packet["Response"]; ok {
			resp := Response{Status: status, ActionID: packet["ActionID"], Message: packet["Message"]}
			delete(packet, "Response")
			delete(packet, "ActionID")
			delete(packet, "Message")
			resp.Fields = packet
			h.PBXResponse(resp)
		}
	}
}

// Send writes an action to the current manager session.
func (c *Client) Send(ctx context.Context, a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return writeAction(c.w, a)
}

func writeAction(w *bufio.Writer, a Action) error {
	fmt.Fprintf(w, "Action: %s\r\n", a.Name)
	if a.ID != "" {
		fmt.Fprintf(w, "ActionID: %s\r\n", a.ID)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\r\n", k, sanitize(a.Fields[k]))
	}
	w.WriteString("\r\n")
	return w.Flush()
}

// readPacket reads one "Key: Value" block terminated by an empty line.
// Keys keep the PBX's spelling.
func readPacket(r *textproto.Reader) (map[string]string, error) {
	packet := make(map[string]string)
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			if len(packet) == 0 {
				continue
			}
			return packet, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		packet[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func sanitize(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
