// Package stt is the websocket client for the streaming speech-to-text
// service. It owns one persistent connection, sends the control protocol
// and surfaces inbound events on a single channel.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"scribe/log"
	"scribe/metrics"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	defaultEventBuffer  = 64
	readLimit           = 1 << 20
)

var (
	ErrNotConnected   = errors.New("stt: not connected")
	ErrConnectionLost = errors.New("stt: connection lost")
	ErrShutdown       = errors.New("stt: client shut down")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	}
	return "disconnected"
}

// DialFunc matches websocket.Dial.
type DialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

type Options struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	EventBuffer  int
	Metrics      *metrics.Metrics
	Dial         DialFunc
}

type StartParams struct {
	Provider   string
	SampleRate int
	Format     string
}

type Client struct {
	opts   Options
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	attempt   uint64 // bumped on every Connect and Close
	dialErr   error
	ready     bool
	changed   chan struct{}
	cancel    context.CancelFunc
	dialedAt  time.Time
	shutdown  bool
	writeMu   sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewClient(opts Options) *Client {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Dial == nil {
		opts.Dial = websocket.Dial
	}
	return &Client{
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

// notify wakes every waiter. Callers hold c.mu.
func (c *Client) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Events delivers inbound events in arrival order. There must be exactly one
// reader. The channel is closed by Shutdown.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect starts dialing in the background. It does nothing while a
// connection is being established or is already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return ErrShutdown
	}
	if c.status != StatusDisconnected {
		return nil
	}

	c.attempt++
	attempt := c.attempt
	c.status = StatusConnecting
	c.dialErr = nil
	c.ready = false
	c.notify()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.dial(dialCtx, attempt)
	}()
	return nil
}

func (c *Client) dial(ctx context.Context, attempt uint64) {
	start := time.Now()
	conn, _, err := c.opts.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	c.opts.Metrics.RecordConnect(err)

	c.mu.Lock()
	if attempt != c.attempt || c.shutdown {
		// Close or a newer Connect superseded this dial.
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusGoingAway, "")
		}
		return
	}
	defer c.mu.Unlock()
	c.cancel = nil

	if err != nil {
		log.Warnf("stt dial %s: %v", c.opts.URL, err)
		c.status = StatusDisconnected
		c.dialErr = fmt.Errorf("stt dial: %w", err)
		c.notify()
		return
	}

	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.status = StatusConnected
	c.dialedAt = time.Now()
	c.notify()
	log.Infof("stt connected: url=%s connect_ms=%d", c.opts.URL, time.Since(start).Milliseconds())

	c.wg.Add(1)
	go c.readLoop(conn, attempt)
}

// WaitConnected blocks until the connection is open, the dial fails, or ctx
// is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		status, err, ch := c.status, c.dialErr, c.changed
		c.mu.Unlock()

		switch status {
		case StatusConnected:
			return nil
		case StatusDisconnected:
			if err == nil {
				err = ErrNotConnected
			}
			return err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitReady blocks until the service has sent ready on the current
// connection. It fails if the connection drops first.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		status, ready, err, ch := c.status, c.ready, c.dialErr, c.changed
		c.mu.Unlock()

		if status == StatusConnected && ready {
			return nil
		}
		if status == StatusDisconnected {
			if err == nil {
				err = ErrNotConnected
			}
			return err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, attempt uint64) {
	defer c.wg.Done()

	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn && c.attempt == attempt
			if current {
				c.conn = nil
				c.status = StatusDisconnected
				c.ready = false
				c.dialErr = fmt.Errorf("%w: %v", ErrConnectionLost, err)
				c.notify()
			}
			c.mu.Unlock()

			if current {
				// Nobody asked for this close, so the session has to hear about it.
				log.Warnf("stt read: %v", err)
				c.deliver(Event{Type: EventError, Message: "connection lost: " + err.Error(), Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)})
			}
			return
		}

		if typ != websocket.MessageText {
			log.Warnf("stt: ignoring %s message of %d bytes", typ, len(data))
			continue
		}
		ev, err := decodeEvent(data)
		if err != nil {
			log.Warnf("stt: %v", err)
			continue
		}
		c.opts.Metrics.RecordEvent(string(ev.Type))

		if ev.Type == EventReady {
			c.mu.Lock()
			if c.conn == conn && !c.ready {
				c.ready = true
				c.opts.Metrics.RecordReady(time.Since(c.dialedAt).Seconds())
				c.notify()
			}
			c.mu.Unlock()
		}
		c.deliver(ev)
	}
}

func (c *Client) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) send(msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, status := c.conn, c.status
	c.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stt %s: %w", msg.Op, err)
	}
	c.opts.Metrics.RecordSent(msg.Op, time.Since(start).Seconds())
	return nil
}

func (c *Client) Start(sessionID string, p StartParams) error {
	return c.send(ClientMessage{
		Op:         OpStart,
		SessionID:  sessionID,
		Provider:   p.Provider,
		SampleRate: p.SampleRate,
		Format:     p.Format,
	})
}

// Audio sends one base64 PCM payload.
func (c *Client) Audio(encoding string, sampleRate int, data string) error {
	err := c.send(ClientMessage{
		Op:         OpAudio,
		Encoding:   encoding,
		SampleRate: sampleRate,
		Data:       data,
	})
	if err == nil {
		c.opts.Metrics.RecordAudioBytes(len(data) * 3 / 4)
	}
	return err
}

// Stop asks the service to finish the current utterance. The connection
// stays open for the final transcript.
func (c *Client) Stop() error {
	return c.send(ClientMessage{Op: OpStop})
}

// Close drops the connection, or abandons a dial in progress. It does not
// produce an error event.
func (c *Client) Close() error {
	c.mu.Lock()
	c.attempt++
	conn, cancel := c.conn, c.cancel
	c.conn = nil
	c.cancel = nil
	changed := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.ready = false
	c.dialErr = nil
	if changed {
		c.notify()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && !isClosedErr(err) {
		return fmt.Errorf("stt close: %w", err)
	}
	return nil
}

// Shutdown closes the connection and the events channel. The client cannot
// be reused afterwards.
func (c *Client) Shutdown() {
	c.closeOnce.Do(func() {
		c.Close()
		c.mu.Lock()
		c.shutdown = true
		c.mu.Unlock()
		close(c.done)
		c.wg.Wait()
		close(c.events)
	})
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
