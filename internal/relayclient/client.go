// Package relayclient implements the terminal side of the relay protocol:
// it opens a session, receives viewer input and resize requests, and sends
// batched process output.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/remoto/termrelay/internal/protocol"
)

const (
	eventBufferSize = 64
	readLimit       = 1 << 20
	writeTimeout    = 10 * time.Second
)

// ErrNoSession is returned by Dial when the relay's first frame is not
// session_created.
var ErrNoSession = errors.New("relay did not create a session")

// Client is one terminal connection to the relay.
type Client struct {
	conn    *websocket.Conn
	created protocol.SessionCreated

	events chan protocol.ToTerminal

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	err       error
}

// Dial connects to baseURL's terminal endpoint ("ws://host:port") with
// credential (an API key or CLI token; empty for anonymous) and waits for
// session_created. When the relay refuses the connection the returned error
// carries its close status; inspect it with websocket.CloseStatus.
func Dial(ctx context.Context, baseURL, credential string) (*Client, error) {
	u, err := terminalURL(baseURL, credential)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(readLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("waiting for session: %w", err)
	}
	msg, err := protocol.ParseToTerminal(data)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	created, ok := msg.(protocol.SessionCreated)
	if !ok {
		conn.CloseNow()
		return nil, fmt.Errorf("%w: got %T", ErrNoSession, msg)
	}

	c := &Client{
		conn:    conn,
		created: created,
		events:  make(chan protocol.ToTerminal, eventBufferSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func terminalURL(baseURL, credential string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/cli/"
	if credential != "" {
		q := u.Query()
		q.Set("token", credential)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SessionID returns the id viewers use to find the session.
func (c *Client) SessionID() string { return c.created.SessionID }

// SessionToken returns the secret viewers must present.
func (c *Client) SessionToken() string { return c.created.SessionToken }

// MaxDuration returns the session lifetime granted by the relay.
func (c *Client) MaxDuration() time.Duration { return c.created.Lifetime() }

// Anonymous reports whether the relay created an unowned session.
func (c *Client) Anonymous() bool { return c.created.IsAnonymous }

// ViewerURL builds the link a phone opens, e.g. ViewerURL("https://remoto.sh/session").
func (c *Client) ViewerURL(base string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(c.SessionID()) + "?token=" + url.QueryEscape(c.SessionToken())
}

// Events delivers relay messages: RelayedInput, RelayedResize, ViewerCount
// and TerminalExpiring. It is closed when the connection ends.
func (c *Client) Events() <-chan protocol.ToTerminal {
	return c.events
}

// SendOutput sends one output frame.
func (c *Client) SendOutput(ctx context.Context, data string) error {
	return c.send(ctx, protocol.TerminalOutput{Data: data})
}

// SendExit reports the process exit code. The relay then ends the session.
func (c *Client) SendExit(ctx context.Context, code int) error {
	return c.send(ctx, protocol.TerminalExit{Code: code})
}

func (c *Client) send(ctx context.Context, msg protocol.TerminalMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, protocol.MustEncode(msg))
}

// Close closes the connection normally and waits for the read loop to end.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	<-c.done
	return err
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, once Done is closed. The
// relay's close code is available through websocket.CloseStatus(c.Err()).
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.err = err
			return
		}
		msg, err := protocol.ParseToTerminal(data)
		if err != nil {
			continue
		}
		select {
		case c.events <- msg:
		case <-c.closing:
		}
	}
}
