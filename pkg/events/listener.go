package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// listenCmd is a LISTEN/UNLISTEN command executed by the receive loop, the
// sole goroutine that touches the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Listener holds the dedicated LISTEN connection and dispatches NOTIFY
// payloads to the in-process Bus and to registered handlers. One Listener
// exists per process.
type Listener struct {
	connString string
	bus        *Bus

	conn   *pgx.Conn
	connMu sync.Mutex

	channels   map[string]bool
	channelsMu sync.RWMutex

	// cmdCh serialises LISTEN/UNLISTEN through the receive loop, avoiding
	// the "conn busy" race between WaitForNotification and Exec.
	cmdCh   chan listenCmd
	running atomic.Bool

	// handlers are internal callbacks invoked when a NOTIFY arrives on a
	// matching channel. Used for cross-pod run cancellation.
	handlers   map[string]func(payload []byte)
	handlersMu sync.RWMutex

	// reconnectFns fire after the LISTEN connection is re-established, so
	// subscribers can catch up on NOTIFYs lost while it was down.
	reconnectFns   map[int]func()
	reconnectNext  int
	reconnectFnsMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a listener that dispatches into the given bus.
func NewListener(connString string, bus *Bus) *Listener {
	return &Listener{
		connString:   connString,
		bus:          bus,
		channels:     make(map[string]bool),
		cmdCh:        make(chan listenCmd, 16),
		handlers:     make(map[string]func(payload []byte)),
		reconnectFns: make(map[int]func()),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Event listener started")
	return nil
}

// Subscribe sends LISTEN for a channel on the dedicated connection.
// PostgreSQL handles duplicate LISTEN idempotently, so racing subscribers
// are harmless.
func (l *Listener) Subscribe(ctx context.Context, channel string) error {
	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}
	if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", channel, err)
	}
	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	slog.Debug("Subscribed to NOTIFY channel", "channel", channel)
	return nil
}

// Unsubscribe sends UNLISTEN for a channel.
func (l *Listener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	listening := l.channels[channel]
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	if !listening || !l.running.Load() {
		return nil
	}
	if err := l.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", channel, err)
	}
	return nil
}

// RegisterHandler registers an internal handler for a channel. The handler
// runs in addition to the Bus broadcast.
func (l *Listener) RegisterHandler(channel string, fn func(payload []byte)) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[channel] = fn
}

// OnReconnect registers a callback invoked after the LISTEN connection is
// re-established. Returns a function that removes the callback.
func (l *Listener) OnReconnect(fn func()) func() {
	l.reconnectFnsMu.Lock()
	id := l.reconnectNext
	l.reconnectNext++
	l.reconnectFns[id] = fn
	l.reconnectFnsMu.Unlock()

	return func() {
		l.reconnectFnsMu.Lock()
		delete(l.reconnectFns, id)
		l.reconnectFnsMu.Unlock()
	}
}

// notifyReconnect fires the registered reconnect callbacks.
func (l *Listener) notifyReconnect() {
	l.reconnectFnsMu.Lock()
	fns := make([]func(), 0, len(l.reconnectFns))
	for _, fn := range l.reconnectFns {
		fns = append(fns, fn)
	}
	l.reconnectFnsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// exec routes a LISTEN/UNLISTEN command through the receive loop.
func (l *Listener) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop continuously receives notifications and dispatches them. It
// is the sole goroutine touching the pgx connection.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		// Short timeout so we periodically return to drain cmdCh.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handlersMu.RLock()
		handler := l.handlers[notification.Channel]
		l.handlersMu.RUnlock()
		if handler != nil {
			handler([]byte(notification.Payload))
		}

		if l.bus != nil {
			l.bus.Broadcast(notification.Channel, []byte(notification.Payload))
		}
	}
}

// processPendingCmds drains the command channel and executes each command
// on the pgx connection.
func (l *Listener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff
// and re-LISTENs every subscribed channel.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("Event listener reconnected")
		l.notifyReconnect()
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *Listener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
