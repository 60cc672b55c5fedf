package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// maxFrameSize bounds a single inbound frame. Collections travel through
// the shared store, so live frames stay small.
const maxFrameSize = 1 << 20

const writeTimeout = 5 * time.Second

type frameKind string

const (
	kindRequest frameKind = "request"
	kindReply   frameKind = "reply"
	kindContext frameKind = "context"
)

// envelope is the wire frame.
type envelope struct {
	ID    string          `json:"id,omitempty"`
	Kind  frameKind       `json:"kind"`
	Type  MessageType     `json:"type"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// link is one websocket connection to the other device.
type link struct {
	conn   *websocket.Conn
	peer   *Peer
	remote string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope

	contextReady chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
}

func newLink(p *Peer, conn *websocket.Conn, remote string) *link {
	conn.SetReadLimit(maxFrameSize)
	return &link{
		conn:         conn,
		peer:         p,
		remote:       remote,
		pending:      make(map[string]chan envelope),
		contextReady: make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// run serves the link until the connection fails or ctx ends.
func (l *link) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.contextLoop(ctx)
	}()

	err := l.readLoop(ctx)
	l.close(websocket.StatusNormalClosure, "link closed")
	cancel()
	wg.Wait()
	return err
}

func (l *link) readLoop(ctx context.Context) error {
	logger := l.peer.logger
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("peer link closed", "remote", l.remote)
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("dropping malformed peer frame", "remote", l.remote, "error", err)
			continue
		}

		switch env.Kind {
		case kindReply:
			l.resolve(env)
		case kindRequest:
			go l.serveRequest(ctx, env)
		case kindContext:
			l.peer.dispatchContext(ctx, Message{Type: env.Type, Body: env.Body})
		default:
			logger.Warn("dropping peer frame of unknown kind", "kind", env.Kind, "type", env.Type)
		}
	}
}

func (l *link) serveRequest(ctx context.Context, req envelope) {
	reply := envelope{ID: req.ID, Kind: kindReply, Type: req.Type}

	body, err := l.peer.dispatchRequest(ctx, Message{Type: req.Type, Body: req.Body})
	if err != nil {
		reply.Error = err.Error()
	} else if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			reply.Error = fmt.Sprintf("encode reply: %v", err)
		} else {
			reply.Body = data
		}
	}

	if err := l.write(ctx, reply); err != nil {
		l.peer.logger.Debug("failed to write peer reply", "type", req.Type, "error", err)
	}
}

func (l *link) resolve(env envelope) {
	l.mu.Lock()
	ch, ok := l.pending[env.ID]
	delete(l.pending, env.ID)
	l.mu.Unlock()

	if !ok {
		l.peer.logger.Debug("dropping late peer reply", "id", env.ID, "type", env.Type)
		return
	}
	ch <- env
}

// request sends msg and waits for the matching reply. The reply, the
// transport timeout, the caller's context and link closure race; the
// first one wins.
func (l *link) request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	id := uuid.NewString()
	ch := make(chan envelope, 1)

	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err := l.write(ctx, envelope{ID: id, Kind: kindRequest, Type: msg.Type, Body: msg.Body}); err != nil {
		return Message{}, fmt.Errorf("%w: send %s: %v", ErrUnreachable, msg.Type, err)
	}

	expired := make(chan struct{})
	timer := l.peer.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case env := <-ch:
		if env.Error != "" {
			return Message{}, fmt.Errorf("%w: %s", ErrRejected, env.Error)
		}
		return Message{Type: env.Type, Body: env.Body}, nil
	case <-expired:
		return Message{}, fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Type, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrTimeout, msg.Type, ctx.Err())
		}
		return Message{}, ctx.Err()
	case <-l.closed:
		return Message{}, fmt.Errorf("%w: link closed during %s", ErrUnreachable, msg.Type)
	}
}

// signalContext wakes the context writer; repeated signals coalesce.
func (l *link) signalContext() {
	select {
	case l.contextReady <- struct{}{}:
	default:
	}
}

// contextLoop delivers only the newest context snapshot at send time, so
// snapshots superseded while the link was busy are dropped.
func (l *link) contextLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.contextReady:
		}

		msg, ok := l.peer.latestContext()
		if !ok {
			continue
		}
		if err := l.write(ctx, envelope{Kind: kindContext, Type: msg.Type, Body: msg.Body}); err != nil {
			l.peer.logger.Debug("failed to deliver peer context", "type", msg.Type, "error", err)
		}
	}
}

func (l *link) write(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case <-l.closed:
		return errLinkClosed
	default:
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(writeCtx, websocket.MessageText, data)
}

var errLinkClosed = errors.New("link closed")

func (l *link) close(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() {
		close(l.closed)
		if err := l.conn.Close(code, reason); err != nil {
			l.peer.logger.Debug("failed to close peer link", "remote", l.remote, "error", err)
		}
	})
}
