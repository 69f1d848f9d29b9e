// Package sdk provides the client-side library for talking to marauderd over
// its TCP line protocol, with optional TLS.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/pkg/schema"
)

const maxAttempts = 3

// Client is a remote client for marauderd. It implements Marauder and is
// safe for concurrent use; requests are serialized over one connection.
type Client struct {
	addr        string
	useTLS      bool
	dialTimeout time.Duration
	log         *zap.Logger

	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

type Option func(*Client)

// WithTLS enables or disables TLS. The daemon uses a self-signed certificate,
// so verification is skipped.
func WithTLS(enabled bool) Option {
	return func(c *Client) { c.useTLS = enabled }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Connect dials the daemon at addr.
func Connect(addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   c.dialTimeout,
		KeepAlive: 60 * time.Second,
	}

	if c.useTLS {
		config := &tls.Config{
			InsecureSkipVerify: true, // self-signed internal certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}

	if err != nil {
		return errors.Wrapf(err, "dial %s", c.addr)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// sendAndReceive writes one command line and reads one reply line, retrying
// transport failures with backoff. ERR replies are returned without retry.
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	for i := 0; i < maxAttempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = errors.Wrap(reconnectErr, "reconnect failed")
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(30 * time.Second))

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				if msg, ok := strings.CutPrefix(resp, "ERR"); ok {
					return "", errors.Mark(errors.New(strings.TrimSpace(msg)), ErrRemote)
				}
				return resp, nil
			}
		}

		c.log.Warn("sdk_attempt_failed", zap.Int("attempt", i+1), zap.Error(err))

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			c.log.Warn("sdk_reconnect_failed", zap.Error(closeErr))
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", errors.Wrapf(err, "failed after %d attempts", maxAttempts)
}

// Report submits a position report. It is queued by the daemon and applied on
// its next ingestion tick.
func (c *Client) Report(r schema.LocationReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	resp, err := c.sendAndReceive("REPORT " + string(payload))
	if err != nil {
		return err
	}
	if resp != "OK" {
		return errors.Wrapf(ErrProtocol, "unexpected reply %q", resp)
	}
	return nil
}

// Ask resolves text on behalf of actor.
func (c *Client) Ask(actor schema.Actor, text string) (schema.QueryResponse, error) {
	var out schema.QueryResponse
	if strings.ContainsAny(actor.ID, " \n") || strings.Contains(text, "\n") {
		return out, errors.New("actor id and text must be single-line, actor id without spaces")
	}
	resp, err := c.sendAndReceive(fmt.Sprintf("ASK %s %s %s", actor.Role, actor.ID, text))
	if err != nil {
		return out, err
	}
	jsonData, ok := strings.CutPrefix(resp, "OK ")
	if !ok {
		return out, errors.Wrapf(ErrProtocol, "unexpected reply %q", resp)
	}
	if err := json.Unmarshal([]byte(jsonData), &out); err != nil {
		return out, errors.Mark(errors.Wrap(err, "decode reply"), ErrProtocol)
	}
	return out, nil
}

func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return errors.Wrapf(ErrProtocol, "unexpected reply %q", resp)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// --- Generics Support ---

// MetadataValue extracts a typed value from a result's metadata. Values
// decoded from JSON arrive as generic maps, slices and float64s, so they are
// re-marshaled into T when a direct assertion fails.
func MetadataValue[T any](r schema.QueryResult, key string) (T, error) {
	var target T
	val, ok := r.Metadata.Get(key)
	if !ok {
		return target, errors.Newf("metadata key %q not present", key)
	}

	if v, ok := val.(T); ok {
		return v, nil
	}

	bytes, err := json.Marshal(val)
	if err != nil {
		return target, err
	}
	err = json.Unmarshal(bytes, &target)
	return target, err
}
