// Package controlclient maintains a peer's persistent control-protocol
// connection to the tracker and serializes every call across it, since
// the downloader, room manager, and heartbeat loop all share one
// connection.
package controlclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/wireproto"
)

// Client is a persistent, mutex-serialized connection to the tracker.
type Client struct {
	addr string
	log  *logging.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// New creates a Client that will connect to the tracker at addr on first
// use.
func New(addr string, log *logging.Logger) *Client {
	return &Client{addr: addr, log: log}
}

// Call serializes one request/response round trip over the shared
// connection, (re)connecting lazily if needed.
func (c *Client) Call(method string, params map[string]interface{}) (*wireproto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connect(); err != nil {
			return nil, err
		}
	}

	req := wireproto.Request{Method: method, Params: params}
	if err := wireproto.SendJSON(c.conn, req); err != nil {
		c.closeLocked()
		if err := c.connect(); err != nil {
			return nil, err
		}
		if err := wireproto.SendJSON(c.conn, req); err != nil {
			c.closeLocked()
			return nil, fmt.Errorf("controlclient: send %s: %w", method, err)
		}
	}

	var resp wireproto.Response
	if err := wireproto.ReadJSON(c.reader, c.conn, wireproto.DefaultReadTimeout, &resp); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("controlclient: read response to %s: %w", method, err)
	}
	return &resp, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("controlclient: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// HeartbeatLoop sends a heartbeat to the tracker every interval while ctx
// is alive, reporting the deltas returned by the deltas callback and the
// peer's current file-hash set returned by the fileHashes callback since
// the last tick. The tracker reconciles the peer's file associations to
// exactly that set on every tick.
func (c *Client) HeartbeatLoop(ctx context.Context, interval time.Duration, deltas func() (secondsOnline, chunksServed int64), fileHashes func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			secondsOnline, chunksServed := deltas()
			resp, err := c.Call("heartbeat", map[string]interface{}{
				"seconds_online_delta": secondsOnline,
				"chunks_served_delta":  chunksServed,
				"file_hashes":          fileHashes(),
			})
			if err != nil {
				c.log.Printf("heartbeat failed: %v", err)
				continue
			}
			if !resp.IsOK() {
				c.log.Printf("heartbeat rejected: %s", resp.Message)
			}
		}
	}
}
