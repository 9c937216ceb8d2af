package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/tunnelctl/common"
)

// Fake is an in-process daemon. It records every outbound message in wire
// form and lets the caller inject events.
type Fake struct {
	// AutoInitialize emits Initialized{OK: true} from Initialize.
	AutoInitialize bool
	// AutoConnect answers every Activate with a Connected event.
	AutoConnect bool
	// ActivateErr is returned by Activate when set.
	ActivateErr error

	mu            sync.Mutex
	multihop      bool
	sent          []string
	activations   []HopConfig
	deactivations [][]HopConfig
	statusChecks  int
	status        Status
	logs          string
	events        chan Event
	logger        common.Logger
}

// NewFake creates a Fake backend.
func NewFake(multihop bool) *Fake {
	return &Fake{
		multihop: multihop,
		events:   make(chan Event, 256),
		logger:   common.GetLogger().Named("fake-daemon"),
	}
}

func (f *Fake) record(v any) {
	line, err := encodeLine(v)
	if err != nil {
		f.logger.Error("encode: %v", err)
		return
	}
	f.sent = append(f.sent, string(line))
}

// Initialize starts the fake session.
func (f *Fake) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.AutoInitialize {
		f.Emit(Initialized{OK: true})
	}
	return nil
}

// Activate records hop.
func (f *Fake) Activate(ctx context.Context, hop HopConfig, reason Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.ActivateErr != nil {
		err := f.ActivateErr
		f.mu.Unlock()
		return common.NewControllerError(msgActivate, err)
	}
	f.record(newActivateMessage(hop))
	f.activations = append(f.activations, hop)
	f.status = Status{
		ServerIPv4Gateway: hop.ServerIPv4Gateway,
		DeviceIPv4Address: hop.DeviceIPv4Address,
	}
	f.mu.Unlock()

	if f.AutoConnect {
		f.Emit(Connected{PublicKey: hop.ServerPublicKey, HopIndex: hop.HopIndex})
	}
	return nil
}

// Deactivate records hops and reports Disconnected.
func (f *Fake) Deactivate(ctx context.Context, hops []HopConfig, reason Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if reason != ReasonSwitching {
		for _, hop := range hops {
			idx := hop.HopIndex
			f.record(commandMessage{Type: msgDeactivate, HopIndex: &idx})
		}
	}
	f.deactivations = append(f.deactivations, append([]HopConfig(nil), hops...))
	f.mu.Unlock()

	f.Emit(Disconnected{})
	return nil
}

// CheckStatus answers with the last activated hop and traffic counters.
func (f *Fake) CheckStatus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.record(commandMessage{Type: msgStatus})
	f.statusChecks++
	f.status.TxBytes += 1024
	f.status.RxBytes += 4096
	st := f.status
	f.mu.Unlock()

	f.Emit(StatusUpdated{Status: st})
	return nil
}

// BackendLogs returns the logs set with SetLogs.
func (f *Fake) BackendLogs(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(commandMessage{Type: msgLogs})
	return f.logs, ctx.Err()
}

// CleanupLogs clears the logs.
func (f *Fake) CleanupLogs(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(commandMessage{Type: msgCleanLogs})
	f.logs = ""
	return ctx.Err()
}

// Events delivers injected and generated events.
func (f *Fake) Events() <-chan Event { return f.events }

// MultihopSupported reports the value given to NewFake.
func (f *Fake) MultihopSupported() bool { return f.multihop }

// Close is a no-op.
func (f *Fake) Close() error { return nil }

// Emit injects ev.
func (f *Fake) Emit(ev Event) {
	select {
	case f.events <- ev:
	case <-time.After(time.Second):
		f.logger.Warn("Dropping %T, event channel full", ev)
	}
}

// SetLogs sets what BackendLogs returns.
func (f *Fake) SetLogs(logs string) {
	f.mu.Lock()
	f.logs = logs
	f.mu.Unlock()
}

// Sent returns the outbound messages as JSON lines.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Activations returns the activated hops in order.
func (f *Fake) Activations() []HopConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HopConfig(nil), f.activations...)
}

// Deactivations returns the hop lists passed to Deactivate.
func (f *Fake) Deactivations() [][]HopConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]HopConfig(nil), f.deactivations...)
}

// StatusChecks returns how many times CheckStatus ran.
func (f *Fake) StatusChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusChecks
}
