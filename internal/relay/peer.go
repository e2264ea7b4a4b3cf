package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Peer is the relay's outbound handle to one connection. Send never blocks:
// it reports false when the message could not be queued. Close is idempotent.
type Peer interface {
	Send(msg []byte) bool
	Close(code websocket.StatusCode, reason string)
	Done() <-chan struct{}
}

const (
	// DefaultPeerQueueSize is the outbound queue depth per connection.
	DefaultPeerQueueSize = 256

	writeTimeout = 10 * time.Second
	// flushTimeout bounds how long Close spends draining queued frames.
	flushTimeout = 2 * time.Second
)

// WSPeer is a Peer over a websocket connection. A single writer goroutine
// drains a bounded queue so a slow reader never stalls the sender.
type WSPeer struct {
	conn  *websocket.Conn
	queue chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	code      websocket.StatusCode
	reason    string
}

// NewWSPeer starts the writer goroutine for conn. If queueSize <= 0,
// DefaultPeerQueueSize is used.
func NewWSPeer(conn *websocket.Conn, queueSize int) *WSPeer {
	if queueSize <= 0 {
		queueSize = DefaultPeerQueueSize
	}
	p := &WSPeer{
		conn:    conn,
		queue:   make(chan []byte, queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// Send queues msg as a text frame. It returns false if the peer is closing or
// its queue is full.
func (p *WSPeer) Send(msg []byte) bool {
	select {
	case <-p.closing:
		return false
	default:
	}
	select {
	case p.queue <- msg:
		return true
	default:
		return false
	}
}

// Close flushes frames queued before the call and then closes the connection
// with code and reason. Later calls are no-ops.
func (p *WSPeer) Close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		p.code = code
		p.reason = reason
		close(p.closing)
	})
}

// Done is closed once the writer goroutine has exited and the connection is
// closed.
func (p *WSPeer) Done() <-chan struct{} {
	return p.done
}

func (p *WSPeer) writeLoop() {
	defer close(p.done)
	for {
		select {
		case msg := <-p.queue:
			if err := p.write(context.Background(), msg); err != nil {
				p.conn.CloseNow()
				return
			}
		case <-p.closing:
			p.flush()
			p.conn.Close(p.code, p.reason)
			return
		}
	}
}

func (p *WSPeer) write(parent context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, msg)
}

func (p *WSPeer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			if err := p.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
