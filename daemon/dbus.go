package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/tunnelctl/common"
)

const (
	dbusInterface = common.DaemonBusName
	dbusPath      = dbus.ObjectPath("/io/tunnelctl/Daemon")
	// dbusSignal carries one JSON-encoded event in its only argument.
	dbusSignal = dbusInterface + ".Event"
)

// DBus reaches the daemon on the system bus. Method arguments and the
// event signal payload use the same JSON objects as the socket protocol.
type DBus struct {
	logger   common.Logger
	multihop bool
	events   chan Event

	mu      sync.Mutex
	conn    *dbus.Conn
	obj     dbus.BusObject
	signals chan *dbus.Signal
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewDBus creates an unconnected D-Bus backend.
func NewDBus(multihop bool, logger common.Logger) *DBus {
	if logger == nil {
		logger = common.GetLogger().Named("daemon-dbus")
	}
	return &DBus{
		logger:   logger,
		multihop: multihop,
		events:   make(chan Event, 64),
		closed:   make(chan struct{}),
	}
}

// Initialize connects to the system bus, subscribes to daemon events and
// queries the initial status.
func (d *DBus) Initialize(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return common.NewControllerError("connect", fmt.Errorf("%w: %v", common.ErrTransport, err))
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchObjectPath(dbusPath),
	); err != nil {
		conn.Close()
		return common.NewControllerError("subscribe", err)
	}

	signals := make(chan *dbus.Signal, 32)
	conn.Signal(signals)

	d.mu.Lock()
	d.conn = conn
	d.obj = conn.Object(common.DaemonBusName, dbusPath)
	d.signals = signals
	d.mu.Unlock()

	d.wg.Add(1)
	go d.listen(signals)

	var reply string
	if err := d.call(ctx, "Status").Store(&reply); err != nil {
		return common.NewControllerError("status", fmt.Errorf("%w: %v", common.ErrTransport, err))
	}
	msg, _, err := parseInbound([]byte(reply))
	if err != nil {
		return err
	}
	ev, err := msg.initialStatus()
	if err != nil {
		return err
	}
	d.emit(ev)
	return nil
}

func (d *DBus) call(ctx context.Context, method string, args ...any) *dbus.Call {
	d.mu.Lock()
	obj := d.obj
	d.mu.Unlock()
	if obj == nil {
		return &dbus.Call{Err: common.ErrDaemonNotReady}
	}
	return obj.CallWithContext(ctx, dbusInterface+"."+method, 0, args...)
}

func (d *DBus) listen(signals chan *dbus.Signal) {
	defer d.wg.Done()

	for {
		select {
		case <-d.closed:
			return
		case sig, ok := <-signals:
			if !ok {
				d.logger.Error("System bus connection closed")
				d.emit(TransportError{Err: common.NewControllerError("signal", common.ErrTransport)})
				return
			}
			d.handleSignal(sig)
		}
	}
}

func (d *DBus) handleSignal(sig *dbus.Signal) {
	if sig.Name != dbusSignal || len(sig.Body) != 1 {
		return
	}
	payload, ok := sig.Body[0].(string)
	if !ok {
		d.logger.Warn("Dropping signal with %T payload", sig.Body[0])
		return
	}

	msg, typ, err := parseInbound([]byte(payload))
	if err != nil {
		d.logger.Warn("Dropping daemon signal: %v", err)
		return
	}
	ev, err := msg.event(typ)
	if err != nil {
		d.logger.Warn("Dropping daemon signal: %v", err)
		return
	}
	d.emit(ev)
}

func (d *DBus) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.closed:
	}
}

// Activate sends one hop.
func (d *DBus) Activate(ctx context.Context, hop HopConfig, reason Reason) error {
	payload, err := json.Marshal(newActivateMessage(hop))
	if err != nil {
		return fmt.Errorf("encode activate: %w", err)
	}
	if err := d.call(ctx, "Activate", string(payload)).Err; err != nil {
		return common.NewControllerError(msgActivate, fmt.Errorf("%w: %v", common.ErrTransport, err))
	}
	return nil
}

// Deactivate tears hops down, inner hop first.
func (d *DBus) Deactivate(ctx context.Context, hops []HopConfig, reason Reason) error {
	if reason == ReasonSwitching {
		go d.emit(Disconnected{})
		return nil
	}

	indexes := make([]int, 0, len(hops))
	for _, hop := range hops {
		indexes = append(indexes, hop.HopIndex)
	}
	if len(indexes) == 0 {
		indexes = append(indexes, 0)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		if err := d.call(ctx, "Deactivate", int32(idx)).Err; err != nil {
			return common.NewControllerError(msgDeactivate, fmt.Errorf("%w: %v", common.ErrTransport, err))
		}
	}
	return nil
}

// CheckStatus queries the status and emits it as StatusUpdated.
func (d *DBus) CheckStatus(ctx context.Context) error {
	var reply string
	if err := d.call(ctx, "Status").Store(&reply); err != nil {
		return common.NewControllerError(msgStatus, fmt.Errorf("%w: %v", common.ErrTransport, err))
	}
	msg, _, err := parseInbound([]byte(reply))
	if err != nil {
		d.logger.Warn("Dropping status reply: %v", err)
		d.emit(StatusUpdated{})
		return nil
	}
	// An incomplete reply means no tunnel; waiters still get an answer.
	st, _ := msg.status()
	d.emit(StatusUpdated{Status: st})
	return nil
}

// BackendLogs fetches the daemon log.
func (d *DBus) BackendLogs(ctx context.Context) (string, error) {
	var logs string
	if err := d.call(ctx, "Logs").Store(&logs); err != nil {
		return "", common.NewControllerError(msgLogs, err)
	}
	return strings.ReplaceAll(logs, "|", "\n"), nil
}

// CleanupLogs truncates the daemon log.
func (d *DBus) CleanupLogs(ctx context.Context) error {
	if err := d.call(ctx, "CleanupLogs").Err; err != nil {
		return common.NewControllerError(msgCleanLogs, err)
	}
	return nil
}

// Events delivers daemon notifications.
func (d *DBus) Events() <-chan Event { return d.events }

// MultihopSupported reports daemon-side multihop.
func (d *DBus) MultihopSupported() bool { return d.multihop }

// Close unsubscribes and closes the bus connection.
func (d *DBus) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		conn, signals := d.conn, d.signals
		d.mu.Unlock()
		if conn != nil {
			conn.RemoveSignal(signals)
			err = conn.Close()
		}
	})
	d.wg.Wait()
	return err
}
