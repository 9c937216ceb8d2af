package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/yllada/tunnelctl/common"
)

// LocalSocketOptions configures a LocalSocket backend.
type LocalSocketOptions struct {
	// Path is the daemon socket. FallbackPath is dialled when Path does
	// not exist.
	Path         string
	FallbackPath string
	// ResponseTimeout bounds status and cleanlogs round-trips.
	ResponseTimeout time.Duration
	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Multihop reports daemon-side multihop support.
	Multihop bool
	Logger   common.Logger
}

func (o *LocalSocketOptions) setDefaults() {
	if o.Path == "" {
		o.Path = common.DaemonSocketPath
	}
	if o.FallbackPath == "" {
		o.FallbackPath = common.DaemonSocketFallback
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = common.DaemonResponseTimeout
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = common.ReconnectMinDelay
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = common.ReconnectMaxDelay
	}
	if o.Logger == nil {
		o.Logger = common.GetLogger().Named("daemon")
	}
}

// LocalSocket speaks newline-delimited JSON to the daemon over a Unix
// domain socket. It reconnects with exponential backoff whenever the
// connection drops.
type LocalSocket struct {
	opts   LocalSocketOptions
	logger common.Logger
	events chan Event

	mu        sync.Mutex
	state     ConnState
	conn      net.Conn
	timeouts  map[string][]*time.Timer
	logWaiter chan string
	started   bool

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLocalSocket creates an unconnected backend.
func NewLocalSocket(opts LocalSocketOptions) *LocalSocket {
	opts.setDefaults()
	return &LocalSocket{
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan Event, 64),
		timeouts: make(map[string][]*time.Timer),
		closed:   make(chan struct{}),
	}
}

// Initialize starts the connection loop. The Initialized event follows
// once the daemon answers the first status request.
func (l *LocalSocket) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true
	l.state = StateInitializing

	l.wg.Add(1)
	go l.run()
	return nil
}

// State returns the connection state.
func (l *LocalSocket) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *LocalSocket) socketPath() string {
	if common.FileExists(l.opts.Path) {
		return l.opts.Path
	}
	return l.opts.FallbackPath
}

func (l *LocalSocket) run() {
	defer l.wg.Done()

	delay := l.opts.MinBackoff
	for {
		path := l.socketPath()
		conn, err := net.Dial("unix", path)
		if err == nil {
			delay = l.opts.MinBackoff
			l.logger.Debug("Connected to daemon at %s", path)
			if !l.attach(conn) {
				return
			}
			readErr := l.readLoop(conn)
			l.fail(conn, readErr)
		} else {
			l.logger.Debug("Daemon not reachable at %s: %v (retry in %v)", path, err, delay)
		}

		select {
		case <-l.closed:
			return
		case <-time.After(delay):
		}

		if err != nil {
			delay *= 2
			if delay > l.opts.MaxBackoff {
				delay = l.opts.MaxBackoff
			}
		}

		l.mu.Lock()
		l.state = StateInitializing
		l.mu.Unlock()
	}
}

// attach makes conn current and asks for the initial status. It reports
// false, closing conn, when Close ran while dialling.
func (l *LocalSocket) attach(conn net.Conn) bool {
	l.mu.Lock()
	l.conn = conn
	l.state = StateInitializing
	l.mu.Unlock()

	select {
	case <-l.closed:
		conn.Close()
		return false
	default:
	}

	if err := l.write(conn, commandMessage{Type: msgStatus}, msgStatus); err != nil {
		l.fail(conn, err)
	}
	return true
}

func (l *LocalSocket) readLoop(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		l.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *LocalSocket) handleLine(line []byte) {
	msg, typ, err := parseInbound(line)
	if err != nil {
		l.logger.Warn("Dropping daemon message: %v", err)
		return
	}

	l.mu.Lock()
	l.clearTimeoutLocked(typ)
	state := l.state
	if state == StateInitializing && typ == msgStatus {
		l.state = StateReady
	}
	l.mu.Unlock()

	if state == StateInitializing && typ == msgStatus {
		ev, err := msg.initialStatus()
		if err != nil {
			l.logger.Warn("Dropping daemon message: %v", err)
			return
		}
		l.emit(ev)
		return
	}

	if state != StateReady {
		l.logger.Warn("Unexpected %q message while %s", typ, state)
		return
	}

	if typ == msgLogs {
		l.mu.Lock()
		waiter := l.logWaiter
		l.logWaiter = nil
		l.mu.Unlock()
		if waiter != nil {
			waiter <- msg.logs()
		}
		return
	}

	ev, err := msg.event(typ)
	if err != nil {
		l.logger.Warn("Invalid command received: %v", err)
		if typ == msgStatus {
			// The reply still answers the request.
			l.emit(StatusUpdated{})
		}
		return
	}
	if c, ok := ev.(Connected); ok {
		l.logger.Debug("Handshake completed with %s", c.PublicKey)
	}
	l.emit(ev)
}

// fail tears down conn after a transport error. Stale connections are
// ignored.
func (l *LocalSocket) fail(conn net.Conn, cause error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	wasReady := l.state == StateReady
	l.conn = nil
	l.state = StateDisconnected
	for typ, timers := range l.timeouts {
		for _, t := range timers {
			t.Stop()
		}
		delete(l.timeouts, typ)
	}
	waiter := l.logWaiter
	l.logWaiter = nil
	l.mu.Unlock()

	conn.Close()
	if waiter != nil {
		waiter <- ""
	}

	select {
	case <-l.closed:
		return
	default:
	}

	if wasReady {
		l.logger.Error("Daemon connection lost: %v", cause)
		l.emit(TransportError{Err: common.NewControllerError("read", cause)})
	} else {
		l.logger.Debug("Daemon connection failed while initializing: %v", cause)
	}
}

func (l *LocalSocket) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.closed:
	}
}

// write sends msg on conn. When expect is set, a reply of that type must
// arrive within ResponseTimeout or the connection is failed.
func (l *LocalSocket) write(conn net.Conn, msg any, expect string) error {
	payload, err := encodeLine(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if expect != "" {
		timer := time.AfterFunc(l.opts.ResponseTimeout, func() {
			l.fail(conn, fmt.Errorf("%w: no %s reply", common.ErrTimeout, expect))
		})
		l.mu.Lock()
		l.timeouts[expect] = append(l.timeouts[expect], timer)
		l.mu.Unlock()
	}

	l.writeMu.Lock()
	_, err = conn.Write(payload)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrTransport, err)
	}
	return nil
}

func (l *LocalSocket) clearTimeoutLocked(typ string) {
	timers := l.timeouts[typ]
	if len(timers) == 0 {
		return
	}
	timers[0].Stop()
	if len(timers) == 1 {
		delete(l.timeouts, typ)
		return
	}
	l.timeouts[typ] = timers[1:]
}

func (l *LocalSocket) readyConn() (net.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn, l.state == StateReady && l.conn != nil
}

func (l *LocalSocket) send(op string, msg any, expect string) error {
	conn, ok := l.readyConn()
	if !ok {
		return fmt.Errorf("%s: %w", op, common.ErrDaemonNotReady)
	}
	if err := l.write(conn, msg, expect); err != nil {
		go l.fail(conn, err)
		return common.NewControllerError(op, err)
	}
	return nil
}

// Activate sends one hop to the daemon.
func (l *LocalSocket) Activate(ctx context.Context, hop HopConfig, reason Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Debug("Activating hop %d (%s, reason %s)", hop.HopIndex, hop.Type, reason)
	return l.send(msgActivate, newActivateMessage(hop), "")
}

// Deactivate sends one deactivate per hop, inner hop first. A switching
// deactivation keeps the tunnel up and reports Disconnected at once.
func (l *LocalSocket) Deactivate(ctx context.Context, hops []HopConfig, reason Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := l.readyConn(); !ok {
		l.logger.Debug("No disconnect, daemon is not ready")
		go l.emit(Disconnected{})
		return nil
	}

	if reason == ReasonSwitching {
		l.logger.Debug("No disconnect for quick server switching")
		go l.emit(Disconnected{})
		return nil
	}

	if len(hops) == 0 {
		return l.send(msgDeactivate, commandMessage{Type: msgDeactivate}, "")
	}

	ordered := make([]HopConfig, len(hops))
	copy(ordered, hops)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].HopIndex < ordered[j].HopIndex })

	for _, hop := range ordered {
		idx := hop.HopIndex
		if err := l.send(msgDeactivate, commandMessage{Type: msgDeactivate, HopIndex: &idx}, ""); err != nil {
			return err
		}
	}
	return nil
}

// CheckStatus requests a status report.
func (l *LocalSocket) CheckStatus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.send(msgStatus, commandMessage{Type: msgStatus}, msgStatus)
}

// BackendLogs fetches the daemon log. It returns an empty string when the
// daemon is not ready.
func (l *LocalSocket) BackendLogs(ctx context.Context) (string, error) {
	waiter := make(chan string, 1)

	l.mu.Lock()
	if l.state != StateReady {
		l.mu.Unlock()
		return "", nil
	}
	previous := l.logWaiter
	l.logWaiter = waiter
	l.mu.Unlock()

	if previous != nil {
		previous <- ""
	}

	if err := l.send(msgLogs, commandMessage{Type: msgLogs}, ""); err != nil {
		return "", err
	}

	select {
	case logs := <-waiter:
		return logs, nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.logWaiter == waiter {
			l.logWaiter = nil
		}
		l.mu.Unlock()
		return "", ctx.Err()
	case <-l.closed:
		return "", errors.New("backend closed")
	}
}

// CleanupLogs asks the daemon to truncate its log.
func (l *LocalSocket) CleanupLogs(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := l.readyConn(); !ok {
		return nil
	}
	return l.send(msgCleanLogs, commandMessage{Type: msgCleanLogs}, msgLogs)
}

// Events delivers daemon notifications.
func (l *LocalSocket) Events() <-chan Event { return l.events }

// MultihopSupported reports daemon-side multihop.
func (l *LocalSocket) MultihopSupported() bool { return l.opts.Multihop }

// Close stops the connection loop and waits for it to exit.
func (l *LocalSocket) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	l.wg.Wait()
	return nil
}
