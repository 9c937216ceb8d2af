package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yllada/tunnelctl/clock"
	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/daemon"
	"github.com/yllada/tunnelctl/servers"
)

// Errors returned by the controller API.
var (
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("controller stopped")
	// ErrSubscriptionInactive is returned by a SubscriptionCheck to refuse
	// activation. Other check errors are logged and activation proceeds.
	ErrSubscriptionInactive = errors.New("subscription inactive")
)

const subscriptionCheckTimeout = 30 * time.Second

// Options configures a Controller.
type Options struct {
	Backend   daemon.Backend
	Source    ServerSource
	Cooldowns *servers.Cooldowns
	Settings  Settings
	Device    Device

	// SubscriptionCheck runs before activating from Off when set.
	SubscriptionCheck func(ctx context.Context) error

	MaxRetries       int
	HandshakeTimeout time.Duration
	ConfirmingGrace  time.Duration
	ServerCooldown   time.Duration
	// StatusTimeout bounds a status request the daemon never answers.
	StatusTimeout time.Duration

	// Pinger drives the canary and the health monitor. Nil uses ICMP.
	Pinger Pinger
	// Health enables the health monitor while On.
	Health *HealthConfig

	Clock  clock.Clock
	IntN   servers.IntN
	Logger common.Logger
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = common.MaxConnectionRetries
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = common.HandshakeTimeout
	}
	if o.ConfirmingGrace <= 0 {
		o.ConfirmingGrace = common.ConfirmingGrace
	}
	if o.ServerCooldown <= 0 {
		o.ServerCooldown = common.ServerCooldown
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = common.DaemonResponseTimeout
	}
	if o.Pinger == nil {
		o.Pinger = ICMPPinger{Timeout: common.CanaryTimeout}
	}
	if o.Clock == nil {
		o.Clock = clock.Real
	}
	if o.Logger == nil {
		o.Logger = common.GetLogger().Named("controller")
	}
}

// Controller is the connection state machine. Every transition happens on
// the goroutine running Run; the exported methods post to it and wait for
// its answer.
type Controller struct {
	opts    Options
	logger  common.Logger
	clock   clock.Clock
	backend daemon.Backend
	planner *Planner
	monitor *HealthMonitor

	cmds    chan func()
	async   chan func()
	stopped chan struct{}
	runOnce sync.Once

	subsMu sync.Mutex
	subs   []chan Notification

	// Owned by the Run goroutine.
	ctx               context.Context
	state             State
	location          servers.Location
	nextLocation      servers.Location
	nextPolicy        SelectionPolicy
	plan              Plan
	pending           []daemon.HopConfig
	retries           int
	nextStep          NextStep
	portalDetected    bool
	pingReceived      bool
	canaryGen         int
	canaryCancel      context.CancelFunc
	subscriptionGen   int
	subscriptionStop  context.CancelFunc
	handshake         clock.Timer
	grace             clock.Timer
	disconnectEnabled bool
	connectedAt       time.Time
	statusWaiters     []chan daemon.Status
	statusTimer       clock.Timer
}

// New creates a controller in the Initializing state. Call Run before
// any other method.
func New(opts Options) *Controller {
	opts.setDefaults()

	c := &Controller{
		opts:    opts,
		logger:  opts.Logger,
		clock:   opts.Clock,
		backend: opts.Backend,
		planner: &Planner{
			Settings:        opts.Settings,
			Device:          opts.Device,
			Source:          opts.Source,
			Cooldowns:       opts.Cooldowns,
			MultihopBackend: opts.Backend.MultihopSupported(),
			IntN:            opts.IntN,
			Logger:          opts.Logger,
		},
		cmds:    make(chan func()),
		async:   make(chan func(), 16),
		stopped: make(chan struct{}),
		ctx:     context.Background(),
		state:   StateInitializing,
	}

	if opts.Health != nil {
		c.monitor = NewHealthMonitor(opts.Pinger, opts.Clock, *opts.Health)
		c.monitor.SetOnHealthChange(func(old Health, h ConnectionHealth) {
			c.post(func() { c.healthChanged(h) })
		})
	}
	return c
}

// Run processes commands, daemon events and timers until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already running")
	}

	c.ctx = ctx
	defer c.shutdown()

	events := c.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case fn := <-c.async:
			fn()
		case ev := <-events:
			c.handleEvent(ev)
		case <-timerC(c.handshake):
			c.handshake = nil
			c.handshakeTimeout()
		case <-timerC(c.grace):
			c.grace = nil
			c.setDisconnectEnabled(true)
		case <-timerC(c.statusTimer):
			c.statusTimer = nil
			c.logger.Warn("No status reply from the daemon")
			c.flushStatus(daemon.Status{})
		}
	}
}

func (c *Controller) shutdown() {
	c.stopCanary()
	c.stopHandshake()
	c.stopGrace()
	c.cancelSubscriptionCheck()
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.flushStatus(daemon.Status{})
	close(c.stopped)
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

// call runs fn on the loop and returns its result.
func (c *Controller) call(fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.cmds <- func() { done <- fn() }:
	case <-c.stopped:
		return ErrStopped
	}
	return <-done
}

// post queues fn for the loop from a helper goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.async <- fn:
	case <-c.stopped:
	}
}

// Subscribe returns a channel receiving every notification from now on.
// A subscriber that falls behind loses notifications.
func (c *Controller) Subscribe() <-chan Notification {
	ch := make(chan Notification, 256)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

// Unsubscribe stops deliveries to a channel returned by Subscribe.
func (c *Controller) Unsubscribe(ch <-chan Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(sub chan Notification) bool {
		return sub == ch
	})
}

func (c *Controller) notify(n Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.logger.Warn("Dropping %T for a slow subscriber", n)
		}
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.logger.Debug("Setting state: %s -> %s", from, s)

	if s == StateConfirming {
		c.setDisconnectEnabled(false)
		c.stopGrace()
		c.grace = c.clock.NewTimer(c.opts.ConfirmingGrace)
	} else {
		c.stopGrace()
		c.setDisconnectEnabled(false)
	}

	if c.monitor != nil {
		if s == StateOn {
			if gw := c.exitGateway(); gw != "" {
				c.monitor.Start(gw)
			}
		} else if from == StateOn {
			c.monitor.Stop()
		}
	}

	c.notify(StateChanged{
		From:        from,
		To:          s,
		Retries:     c.retries,
		ConnectedAt: c.connectedAt,
		Location:    c.location,
	})
}

func (c *Controller) setDisconnectEnabled(enabled bool) {
	if c.disconnectEnabled == enabled {
		return
	}
	c.disconnectEnabled = enabled
	c.notify(DisconnectInConfirming{Enabled: enabled})
}

func (c *Controller) exitGateway() string {
	if n := len(c.plan.Hops); n > 0 {
		return c.plan.Hops[n-1].ServerIPv4Gateway
	}
	if s, ok := c.opts.Source.Lookup(c.location.ExitPublicKey); ok {
		return s.IPv4Gateway
	}
	return ""
}

func reasonFor(s State) daemon.Reason {
	switch s {
	case StateSwitching, StateSilentSwitching:
		return daemon.ReasonSwitching
	case StateConfirming:
		return daemon.ReasonConfirming
	default:
		return daemon.ReasonNone
	}
}

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", common.ErrInvalidState, op, s)
}

// Initialize connects the backend. The controller leaves Initializing
// once the daemon reports whether a tunnel is already up.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.call(func() error {
		c.logger.Debug("Initializing the controller")
		c.setState(StateInitializing)
		if err := c.backend.Initialize(ctx); err != nil {
			c.logger.Error("Backend initialization failed: %v", err)
			c.notify(ControllerFailed{Err: err})
			c.setState(StateOff)
			return err
		}
		return nil
	})
}

// Activate connects to loc. It is accepted from Off and while switching.
func (c *Controller) Activate(loc servers.Location, policy SelectionPolicy) error {
	return c.call(func() error { return c.activate(loc, policy) })
}

func (c *Controller) activate(loc servers.Location, policy SelectionPolicy) error {
	c.logger.Debug("Activation from %s", c.state)
	if c.state != StateOff && c.state != StateSwitching && c.state != StateSilentSwitching {
		return invalidState("activate", c.state)
	}

	c.location = loc

	if c.state == StateOff {
		if c.portalDetected && c.planner.Settings.CaptivePortalAlert {
			c.logger.Info("Activation blocked by captive portal")
			c.notify(ActivationBlockedForCaptivePortal{})
			c.portalDetected = false
			return nil
		}

		if check := c.opts.SubscriptionCheck; check != nil {
			c.setState(StateCheckSubscription)
			c.startSubscriptionCheck(check, policy)
			return nil
		}

		c.setState(StateConnecting)
	}

	c.clearRetries()
	c.activateInternal(false, policy)
	return nil
}

func (c *Controller) startSubscriptionCheck(check func(context.Context) error, policy SelectionPolicy) {
	c.cancelSubscriptionCheck()
	c.subscriptionGen++
	gen := c.subscriptionGen

	ctx, cancel := context.WithTimeout(c.ctx, subscriptionCheckTimeout)
	c.subscriptionStop = cancel

	go func() {
		err := check(ctx)
		c.post(func() {
			if gen != c.subscriptionGen || c.state != StateCheckSubscription {
				return
			}
			c.cancelSubscriptionCheck()

			if errors.Is(err, ErrSubscriptionInactive) {
				c.logger.Warn("Subscription inactive, not activating")
				c.notify(ControllerFailed{Err: err})
				c.setState(StateOff)
				return
			}
			if err != nil {
				c.logger.Error("Subscription check failed: %v", err)
			}

			c.setState(StateConnecting)
			c.clearRetries()
			c.activateInternal(false, policy)
		})
	}()
}

func (c *Controller) cancelSubscriptionCheck() {
	if c.subscriptionStop != nil {
		c.subscriptionStop()
		c.subscriptionStop = nil
	}
}

func (c *Controller) activateInternal(forcePort53 bool, policy SelectionPolicy) {
	c.connectedAt = time.Time{}
	c.stopHandshake()
	c.pending = nil

	plan, err := c.planner.Build(c.location, policy, forcePort53)
	if err != nil {
		c.logger.Error("Cannot build a plan in state %s: %v", c.state, err)
		c.serverUnavailable()
		return
	}

	c.plan = plan
	c.location = plan.Location
	c.pending = slices.Clone(plan.Hops)

	c.startCanary(plan.Hops[0].ServerIPv4AddrIn)
	c.activateNext()
}

func (c *Controller) activateNext() {
	hop := c.pending[0]
	c.logger.Debug("Activating peer %s (hop %d)", hop.ServerPublicKey, hop.HopIndex)

	c.stopHandshake()
	c.handshake = c.clock.NewTimer(c.opts.HandshakeTimeout)

	if err := c.backend.Activate(c.ctx, hop, reasonFor(c.state)); err != nil {
		c.transportFailure(err)
		return
	}

	c.setState(StateConfirming)
}

func (c *Controller) startCanary(addr string) {
	c.stopCanary()
	c.pingReceived = false
	if addr == "" {
		return
	}

	c.canaryGen++
	gen := c.canaryGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.canaryCancel = cancel

	c.logger.Info("Canary ping started")
	go func() {
		if !runCanary(ctx, c.clock, c.opts.Pinger, addr) {
			return
		}
		c.post(func() {
			if gen != c.canaryGen {
				return
			}
			c.logger.Info("Canary ping succeeded")
			c.pingReceived = true
			c.stopCanary()
		})
	}()
}

func (c *Controller) stopCanary() {
	if c.canaryCancel != nil {
		c.canaryCancel()
		c.canaryCancel = nil
	}
}

func (c *Controller) stopHandshake() {
	if c.handshake != nil {
		c.handshake.Stop()
		c.handshake = nil
	}
}

func (c *Controller) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Controller) clearRetries() {
	if c.retries == 0 {
		return
	}
	c.retries = 0
	c.notify(RetryChanged{Retries: 0})
}

func (c *Controller) handshakeTimeout() {
	c.logger.Debug("Timeout while waiting for handshake")
	if len(c.pending) == 0 {
		return
	}

	hop := c.pending[0]
	if c.opts.Cooldowns != nil {
		c.opts.Cooldowns.Set(hop.ServerPublicKey, c.opts.ServerCooldown)
	}
	c.notify(HandshakeFailed{PublicKey: hop.ServerPublicKey})

	if c.nextStep != NextNone {
		c.deactivate()
		return
	}

	c.retries++
	c.notify(RetryChanged{Retries: c.retries})
	c.logger.Info("Connection attempt %d", c.retries)

	switch {
	case c.retries == 1:
		c.logger.Info("Retrying on port 53")
		c.activateInternal(true, Randomize)
	case c.retries < c.opts.MaxRetries:
		c.activateInternal(false, Randomize)
	default:
		c.logger.Error("Connection retries exhausted, giving up")
		c.serverUnavailable()
	}
}

// Deactivate tears the tunnel down, inner hop first.
func (c *Controller) Deactivate() error {
	return c.call(c.deactivate)
}

func (c *Controller) deactivate() error {
	c.logger.Debug("Deactivation from %s", c.state)

	switch c.state {
	case StateOn, StateConfirming, StateConnecting, StateCheckSubscription:
		c.setState(StateDisconnecting)
	case StateSwitching, StateSilentSwitching:
	default:
		return invalidState("deactivate", c.state)
	}

	c.stopCanary()
	c.stopHandshake()
	c.cancelSubscriptionCheck()
	c.subscriptionGen++
	c.pending = nil
	c.connectedAt = time.Time{}
	c.clearRetries()

	hops := slices.Clone(c.plan.Hops)
	slices.Reverse(hops)

	if err := c.backend.Deactivate(c.ctx, hops, reasonFor(c.state)); err != nil {
		c.transportFailure(err)
		return err
	}
	return nil
}

func (c *Controller) handleEvent(ev daemon.Event) {
	switch ev := ev.(type) {
	case daemon.Initialized:
		c.initialized(ev)
	case daemon.Connected:
		c.connected(ev)
	case daemon.Disconnected:
		c.disconnected()
	case daemon.StatusUpdated:
		c.flushStatus(ev.Status)
	case daemon.BackendFailure:
		c.backendFailure()
	case daemon.TransportError:
		c.transportFailure(ev.Err)
	default:
		c.logger.Warn("Unhandled daemon event %T", ev)
	}
}

func (c *Controller) initialized(ev daemon.Initialized) {
	c.logger.Debug("Backend initialized: ok=%v connected=%v since=%v", ev.OK, ev.Connected, ev.Since)

	if c.state != StateInitializing && c.state != StateOff {
		c.logger.Warn("Ignoring daemon initialization while %s", c.state)
		return
	}

	if !ev.OK {
		c.notify(ControllerFailed{Err: common.NewControllerError("initialize", nil)})
		c.setState(StateOff)
		return
	}

	if c.processNextStep() {
		c.setState(StateOff)
		return
	}

	if !ev.Connected {
		c.setState(StateOff)
		return
	}

	c.connectedAt = ev.Since
	if c.connectedAt.IsZero() {
		c.connectedAt = c.clock.Now()
	}
	c.setState(StateOn)
}

func (c *Controller) connected(ev daemon.Connected) {
	c.logger.Debug("Handshake completed with %s", ev.PublicKey)

	switch c.state {
	case StateDisconnecting, StateSwitching, StateSilentSwitching:
		// The old hop answered late; the switch or teardown continues.
		c.logger.Debug("Ignoring handshake while %s", c.state)
		return
	}

	switch {
	case len(c.pending) == 0:
		if c.location.ExitPublicKey != ev.PublicKey {
			c.logger.Warn("Unexpected handshake: no pending connections")
			return
		}
		c.logger.Info("Unexpected handshake: external activation")
	case c.pending[0].ServerPublicKey != ev.PublicKey:
		c.logger.Warn("Unexpected handshake: public key mismatch")
		return
	default:
		c.pending = c.pending[1:]
		if len(c.pending) > 0 {
			c.activateNext()
			return
		}
	}

	c.stopHandshake()
	c.stopCanary()
	c.clearRetries()

	c.connectedAt = c.clock.Now()
	c.setState(StateOn)

	if c.nextStep != NextNone {
		c.deactivate()
	}
}

func (c *Controller) disconnected() {
	c.logger.Debug("Disconnected from state %s", c.state)

	c.connectedAt = time.Time{}
	c.clearRetries()

	next := c.nextStep
	if c.processNextStep() {
		c.setState(StateOff)
		return
	}

	if next == NextNone && (c.state == StateSwitching || c.state == StateSilentSwitching) {
		if err := c.activate(c.nextLocation, c.nextPolicy); err != nil {
			c.logger.Error("Re-activation after switch failed: %v", err)
			c.setState(StateOff)
		}
		return
	}

	c.stopCanary()
	c.stopHandshake()
	c.pending = nil
	c.setState(StateOff)
}

func (c *Controller) transportFailure(err error) {
	c.logger.Error("Daemon transport failure: %v", err)
	c.notify(ControllerFailed{Err: err})

	c.stopCanary()
	c.stopHandshake()
	c.cancelSubscriptionCheck()
	c.pending = nil
	c.connectedAt = time.Time{}
	c.clearRetries()
	c.flushStatus(daemon.Status{})

	c.processNextStep()
	c.setState(StateOff)
}

// processNextStep reports the queued step, if any, and clears it.
func (c *Controller) processNextStep() bool {
	next := c.nextStep
	c.nextStep = NextNone

	switch next {
	case NextQuit:
		c.notify(ReadyToQuit{})
	case NextUpdate:
		c.notify(ReadyToUpdate{})
	case NextLogout:
		c.notify(ReadyToLogout{})
	case NextBackendFailure:
		c.notify(ReadyToBackendFailure{})
	case NextServerUnavailable:
		c.logger.Info("Server unavailable, canary answered: %v", c.pingReceived)
		c.notify(ServerUnavailable{PingReceived: c.pingReceived})
	default:
		return false
	}
	return true
}

// Quit tears the tunnel down and reports ReadyToQuit.
func (c *Controller) Quit() error {
	return c.call(func() error {
		c.logger.Debug("Quitting")
		if c.state == StateInitializing || c.state == StateOff {
			c.notify(ReadyToQuit{})
			return nil
		}
		c.nextStep = NextQuit
		switch c.state {
		case StateOn, StateSwitching, StateSilentSwitching, StateConnecting, StateCheckSubscription:
			return c.deactivate()
		}
		return nil
	})
}

// BackendFailure tears the tunnel down and reports ReadyToBackendFailure.
func (c *Controller) BackendFailure() error {
	return c.call(func() error {
		c.backendFailure()
		return nil
	})
}

func (c *Controller) backendFailure() {
	c.logger.Error("Backend failure")
	if c.state == StateInitializing || c.state == StateOff {
		c.notify(ReadyToBackendFailure{})
		return
	}
	c.nextStep = NextBackendFailure
	switch c.state {
	case StateOn, StateSwitching, StateSilentSwitching, StateConnecting, StateCheckSubscription, StateConfirming:
		c.deactivate()
	}
}

// ServerUnavailable abandons the activation and reports ServerUnavailable.
func (c *Controller) ServerUnavailable() error {
	return c.call(func() error {
		c.serverUnavailable()
		return nil
	})
}

func (c *Controller) serverUnavailable() {
	c.logger.Error("Server unavailable")
	c.nextStep = NextServerUnavailable
	switch c.state {
	case StateOn, StateSwitching, StateSilentSwitching, StateConnecting, StateConfirming, StateCheckSubscription:
		c.deactivate()
	case StateOff:
		c.processNextStep()
	}
}

// UpdateRequired reports ReadyToUpdate once the tunnel is down.
func (c *Controller) UpdateRequired() error {
	return c.call(func() error {
		c.logger.Warn("Update required")
		if c.state == StateOff {
			c.notify(ReadyToUpdate{})
			return nil
		}
		c.nextStep = NextUpdate
		if c.state == StateOn {
			return c.deactivate()
		}
		return nil
	})
}

// Logout reports ReadyToLogout once the tunnel is down.
func (c *Controller) Logout() error {
	return c.call(func() error {
		c.logger.Debug("Logout")
		if c.state == StateOff {
			c.notify(ReadyToLogout{})
			return nil
		}
		c.nextStep = NextLogout
		if c.state == StateOn {
			return c.deactivate()
		}
		return nil
	})
}

// SwitchServers moves to loc through a full deactivation.
func (c *Controller) SwitchServers(loc servers.Location) error {
	return c.call(func() error {
		if c.state == StateOff || c.state == StateInitializing {
			return invalidState("switch servers", c.state)
		}

		c.logger.Debug("Switching to %s", loc)
		c.nextLocation = loc
		c.nextPolicy = Randomize
		c.setState(StateSwitching)
		return c.deactivate()
	})
}

// SilentSwitch replaces the exit server of the current location without
// leaving the connected look. With cooldown the current exit is cooled
// down and another server is chosen.
func (c *Controller) SilentSwitch(cooldown bool) error {
	return c.call(func() error { return c.silentSwitch(cooldown) })
}

func (c *Controller) silentSwitch(cooldown bool) error {
	c.logger.Debug("Silently switching servers (cooldown %v)", cooldown)
	if c.state != StateOn {
		return invalidState("silent switch", c.state)
	}

	if cooldown {
		candidates := c.opts.Source.Servers(c.location.ExitCountry, c.location.ExitCity)
		if len(candidates) <= 1 {
			return fmt.Errorf("%w: only one server in %s", common.ErrNoServers, c.location)
		}
		if c.opts.Cooldowns != nil {
			c.opts.Cooldowns.Set(c.location.ExitPublicKey, c.opts.ServerCooldown)
		}
	}

	c.nextLocation = c.location
	c.nextPolicy = DoNotRandomize
	if cooldown {
		c.nextPolicy = Randomize
	}

	c.setState(StateSilentSwitching)
	return c.deactivate()
}

func (c *Controller) healthChanged(h ConnectionHealth) {
	c.notify(HealthChanged{Health: h.State})
	if h.State != HealthNoSignal || c.state != StateOn || !c.opts.Health.AutoSwitch {
		return
	}
	c.logger.Warn("No signal from %s, switching servers", h.Target)
	if err := c.silentSwitch(true); err != nil {
		c.logger.Warn("Silent switch failed: %v", err)
	}
}

// CaptivePortalPresent blocks the next activation from Off.
func (c *Controller) CaptivePortalPresent() error {
	return c.call(func() error {
		if !c.portalDetected {
			c.portalDetected = true
			c.logger.Info("Captive portal present, next activation will be blocked")
		}
		return nil
	})
}

// CaptivePortalGone lifts the captive portal block.
func (c *Controller) CaptivePortalGone() error {
	return c.call(func() error {
		c.portalDetected = false
		c.logger.Info("Captive portal gone")
		return nil
	})
}

// UpdateSettings replaces the settings used by the next plan.
func (c *Controller) UpdateSettings(s Settings) error {
	return c.call(func() error {
		c.planner.Settings = s
		return nil
	})
}

// Status asks the daemon for tunnel status. Concurrent callers share one
// request. Outside On and Confirming, or when the daemon does not answer
// in time, it returns an empty status.
func (c *Controller) Status(ctx context.Context) (daemon.Status, error) {
	ch := make(chan daemon.Status, 1)
	err := c.call(func() error {
		if c.state != StateOn && c.state != StateConfirming {
			ch <- daemon.Status{}
			return nil
		}
		first := len(c.statusWaiters) == 0
		c.statusWaiters = append(c.statusWaiters, ch)
		if first {
			c.statusTimer = c.clock.NewTimer(c.opts.StatusTimeout)
			if err := c.backend.CheckStatus(ctx); err != nil {
				c.flushStatus(daemon.Status{})
				return err
			}
		}
		return nil
	})
	if err != nil {
		return daemon.Status{}, err
	}

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return daemon.Status{}, ctx.Err()
	}
}

func (c *Controller) flushStatus(st daemon.Status) {
	if c.statusTimer != nil {
		c.statusTimer.Stop()
		c.statusTimer = nil
	}
	waiters := c.statusWaiters
	c.statusWaiters = nil
	for _, ch := range waiters {
		ch <- st
	}
}

// BackendLogs returns the daemon log.
func (c *Controller) BackendLogs(ctx context.Context) (string, error) {
	return c.backend.BackendLogs(ctx)
}

// CleanupBackendLogs truncates the daemon log.
func (c *Controller) CleanupBackendLogs(ctx context.Context) error {
	return c.backend.CleanupLogs(ctx)
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State             State
	Location          servers.Location
	Retries           int
	ConnectedFor      time.Duration
	DisconnectEnabled bool
	CanaryAnswered    bool
	Health            ConnectionHealth
}

// Snapshot returns the current state, location and counters.
func (c *Controller) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.call(func() error {
		snap = Snapshot{
			State:             c.state,
			Location:          c.location,
			Retries:           c.retries,
			DisconnectEnabled: c.disconnectEnabled,
			CanaryAnswered:    c.pingReceived,
		}
		if !c.connectedAt.IsZero() {
			snap.ConnectedFor = c.clock.Since(c.connectedAt)
		}
		if c.monitor != nil {
			snap.Health = c.monitor.Health()
		}
		return nil
	})
	return snap, err
}

// State returns the current state. It returns StateOff once stopped.
func (c *Controller) State() State {
	snap, err := c.Snapshot()
	if err != nil {
		return StateOff
	}
	return snap.State
}

// Time returns how long the tunnel has been On.
func (c *Controller) Time() time.Duration {
	snap, _ := c.Snapshot()
	return snap.ConnectedFor
}

// RetryCount returns the handshake retry counter.
func (c *Controller) RetryCount() int {
	snap, _ := c.Snapshot()
	return snap.Retries
}

// DisconnectInConfirmingEnabled reports whether Confirming has lasted
// past the grace period.
func (c *Controller) DisconnectInConfirmingEnabled() bool {
	snap, _ := c.Snapshot()
	return snap.DisconnectEnabled
}
