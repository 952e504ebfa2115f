package invalidation

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedisConfig captures the connection parameters for the Redis-backed bus.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const defaultRedisTimeout = 5 * time.Second

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE using a minimal RESP
// client. The publisher side holds a single request/response connection
// guarded by a mutex; each subscription owns a dedicated connection because
// a RESP connection in subscribe mode cannot issue other commands.
type RedisBus struct {
	cfg    RedisConfig
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewRedisBus creates the bus and eagerly establishes the publisher
// connection so misconfiguration surfaces at startup.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis bus: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	bus := &RedisBus{cfg: cfg}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if err := bus.ensureConnectionLocked(context.Background()); err != nil {
		return nil, err
	}
	return bus, nil
}

// Close closes the publisher connection. Open subscriptions are unaffected.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		b.reader = nil
		return err
	}
	return nil
}

// Publish sends the payload to every subscriber of channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConnectionLocked(ctx); err != nil {
		return err
	}

	deadline := deadlineFromContext(ctx, b.cfg.Timeout)
	if err := b.conn.SetDeadline(deadline); err != nil {
		b.resetLocked()
		return err
	}

	if err := writeCommand(b.conn, []string{"PUBLISH", channel, string(payload)}); err != nil {
		b.resetLocked()
		return err
	}

	if _, err := readResponse(b.reader); err != nil {
		b.resetLocked()
		return err
	}
	return nil
}

// Subscribe opens a dedicated connection in subscribe mode for channel.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	conn, reader, err := dialRedis(ctx, b.cfg)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(deadlineFromContext(ctx, b.cfg.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeCommand(conn, []string{"SUBSCRIBE", channel}); err != nil {
		conn.Close()
		return nil, err
	}

	// The server confirms with ["subscribe", channel, count].
	resp, err := readResponse(reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if kind, _ := pushKind(resp); kind != "subscribe" {
		conn.Close()
		return nil, fmt.Errorf("redis bus: unexpected subscribe reply %v", resp)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	return &redisSubscription{conn: conn, reader: reader}, nil
}

func (b *RedisBus) ensureConnectionLocked(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}

	conn, reader, err := dialRedis(ctx, b.cfg)
	if err != nil {
		return err
	}
	b.conn = conn
	b.reader = reader
	return nil
}

func (b *RedisBus) resetLocked() {
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = nil
	b.reader = nil
}

type redisSubscription struct {
	conn   net.Conn
	reader *bufio.Reader
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// Receive blocks for the next published payload. Subscription bookkeeping
// replies from the server are skipped.
func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Unblock the read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSubscriptionClosed
		}

		resp, err := readResponse(s.reader)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		kind, items := pushKind(resp)
		if kind != "message" || len(items) < 3 {
			continue
		}
		payload, ok := items[2].([]byte)
		if !ok {
			continue
		}
		return payload, nil
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// pushKind extracts the kind string of a pub/sub push reply.
func pushKind(resp interface{}) (string, []interface{}) {
	items, ok := resp.([]interface{})
	if !ok || len(items) == 0 {
		return "", nil
	}
	switch v := items[0].(type) {
	case []byte:
		return string(v), items
	case string:
		return v, items
	default:
		return "", items
	}
}

func dialRedis(ctx context.Context, cfg RedisConfig) (net.Conn, *bufio.Reader, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}}
		conn, err = dialer.DialContext(dialCtx, "tcp", cfg.Address)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(dialCtx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, nil, err
	}

	reader := bufio.NewReader(conn)
	if err := conn.SetDeadline(deadlineFromContext(dialCtx, cfg.Timeout)); err != nil {
		conn.Close()
		return nil, nil, err
	}

	if cfg.Password != "" || cfg.Username != "" {
		authArgs := []string{"AUTH"}
		if cfg.Username != "" {
			authArgs = append(authArgs, cfg.Username, cfg.Password)
		} else {
			authArgs = append(authArgs, cfg.Password)
		}
		if err := roundTrip(conn, reader, authArgs, "AUTH"); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}

	if cfg.DB > 0 {
		if err := roundTrip(conn, reader, []string{"SELECT", strconv.Itoa(cfg.DB)}, "SELECT"); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}

	// Clear deadlines; callers set per-operation deadlines.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, reader, nil
}

func roundTrip(conn net.Conn, reader *bufio.Reader, args []string, what string) error {
	if err := writeCommand(conn, args); err != nil {
		return err
	}
	resp, err := readResponse(reader)
	if err != nil {
		return err
	}
	if str, ok := resp.(string); !ok || !strings.EqualFold(str, "OK") {
		return fmt.Errorf("redis bus: %s failed: %v", what, resp)
	}
	return nil
}

func deadlineFromContext(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

func writeCommand(conn net.Conn, args []string) error {
	builder := strings.Builder{}
	builder.Grow(16 + len(args)*8)
	builder.WriteByte('*')
	builder.WriteString(strconv.Itoa(len(args)))
	builder.WriteString("\r\n")
	for _, arg := range args {
		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(len(arg)))
		builder.WriteString("\r\n")
		builder.WriteString(arg)
		builder.WriteString("\r\n")
	}
	_, err := conn.Write([]byte(builder.String()))
	return err
}

func readResponse(r *bufio.Reader) (interface{}, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch prefix {
	case '+':
		return readLine(r)
	case '-':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		length, convErr := strconv.Atoi(line)
		if convErr != nil {
			return nil, convErr
		}
		if length == -1 {
			return nil, nil
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if err := consumeCRLF(r); err != nil {
			return nil, err
		}
		return buf, nil
	case '*':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		count, convErr := strconv.Atoi(line)
		if convErr != nil {
			return nil, convErr
		}
		if count == -1 {
			return nil, nil
		}
		items := make([]interface{}, count)
		for i := 0; i < count; i++ {
			item, err := readResponse(r)
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	default:
		return nil, fmt.Errorf("redis bus: unexpected prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func consumeCRLF(r *bufio.Reader) error {
	first, err := r.ReadByte()
	if err != nil {
		return err
	}
	second, err := r.ReadByte()
	if err != nil {
		return err
	}
	if first != '\r' || second != '\n' {
		return errors.New("redis bus: expected CRLF")
	}
	return nil
}
