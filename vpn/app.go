// Package vpn provides the running application around the connection
// controller. This file contains the App type, which wires configuration,
// the daemon backend, the server directory, persistence and the task queue
// to a Controller.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/tunnelctl/clock"
	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/config"
	"github.com/yllada/tunnelctl/controller"
	"github.com/yllada/tunnelctl/daemon"
	"github.com/yllada/tunnelctl/servers"
	"github.com/yllada/tunnelctl/store"
	"github.com/yllada/tunnelctl/tasks"
)

// DeviceKeys provides the device WireGuard key.
type DeviceKeys interface {
	EnsureDeviceKey() (wgtypes.Key, bool, error)
}

// Options configures an App. Nil fields are built from Config.
type Options struct {
	Config    *config.Config
	Keys      DeviceKeys
	Backend   daemon.Backend
	Directory *servers.Directory
	Store     *store.Store
	Clock     clock.Clock
	Pinger    controller.Pinger
	Favorites *Favorites
	// SubscriptionCheck runs before every activation from Off.
	SubscriptionCheck func(ctx context.Context) error
}

// App owns every long-lived component of a tunnelctl process.
type App struct {
	cfg        *config.Config
	logger     common.Logger
	clock      clock.Clock
	backend    daemon.Backend
	directory  *servers.Directory
	store      *store.Store
	ownsStore  bool
	cooldowns  *servers.Cooldowns
	controller *controller.Controller
	queue      *tasks.Queue
	favorites  *Favorites
	notes      <-chan controller.Notification

	mu             sync.RWMutex
	onNotification func(controller.Notification)

	quitOnce  sync.Once
	quitReady chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewApp builds an App. It does not touch the daemon until Start.
func NewApp(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}

	a := &App{
		cfg:       cfg,
		logger:    common.GetLogger().Named("app"),
		clock:     clk,
		backend:   opts.Backend,
		directory: opts.Directory,
		store:     opts.Store,
		favorites: opts.Favorites,
		quitReady: make(chan struct{}),
	}

	if a.backend == nil {
		backend, err := daemon.New(daemon.Options{
			Backend:      cfg.Backend,
			SocketPath:   cfg.SocketPath,
			FallbackPath: cfg.FallbackSocketPath,
			Multihop:     cfg.Multihop,
		})
		if err != nil {
			return nil, err
		}
		a.backend = backend
	}

	if a.directory == nil {
		path, err := config.ResolvePath(cfg.ServersFile)
		if err != nil {
			return nil, err
		}
		dir, err := servers.LoadDirectory(path)
		if err != nil {
			return nil, fmt.Errorf("loading servers: %w", err)
		}
		a.directory = dir
	}

	if a.favorites == nil {
		path, err := config.ResolvePath(common.FavoritesFileName)
		if err != nil {
			return nil, err
		}
		if a.favorites, err = NewFavorites(path, clk.Now); err != nil {
			return nil, err
		}
	}

	if a.store == nil && cfg.Database != "" {
		path := cfg.Database
		if path != ":memory:" && !filepath.IsAbs(path) {
			dir, err := common.GetDataDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, path)
		}
		st, err := store.Open(path)
		if err != nil {
			// History and persisted cooldowns are optional.
			a.logger.Warn("Running without a database: %v", err)
		} else {
			a.store = st
			a.ownsStore = true
		}
	}

	if a.store != nil {
		a.cooldowns = servers.NewCooldowns(clk, a.store)
	} else {
		a.cooldowns = servers.NewCooldowns(clk, nil)
	}

	device := controller.Device{
		IPv4Address: cfg.Device.IPv4Address,
		IPv6Address: cfg.Device.IPv6Address,
	}
	if opts.Keys != nil {
		key, created, err := opts.Keys.EnsureDeviceKey()
		if err != nil {
			return nil, fmt.Errorf("device key: %w", err)
		}
		if created {
			a.logger.Info("Created a new device key, public key %s", key.PublicKey())
		}
		device.PrivateKey = key.String()
	}

	var health *controller.HealthConfig
	if cfg.Health.Enabled {
		health = &controller.HealthConfig{
			CheckInterval:    cfg.Health.Interval,
			Probes:           3,
			UnstableLatency:  time.Second,
			FailureThreshold: cfg.Health.FailureThreshold,
			AutoSwitch:       cfg.Health.AutoSwitch,
		}
	}

	a.controller = controller.New(controller.Options{
		Backend:           a.backend,
		Source:            a.directory,
		Cooldowns:         a.cooldowns,
		Settings:          SettingsFromConfig(cfg.Tunnel),
		Device:            device,
		SubscriptionCheck: opts.SubscriptionCheck,
		MaxRetries:        cfg.Timings.MaxRetries,
		HandshakeTimeout:  cfg.Timings.HandshakeTimeout,
		ConfirmingGrace:   cfg.Timings.ConfirmingGrace,
		ServerCooldown:    cfg.Timings.ServerCooldown,
		Pinger:            opts.Pinger,
		Health:            health,
		Clock:             clk,
		Logger:            common.GetLogger().Named("controller"),
	})
	a.notes = a.controller.Subscribe()
	a.queue = tasks.NewQueue(common.GetLogger().Named("tasks"))
	return a, nil
}

// SettingsFromConfig maps the tunnel section of the configuration to
// controller settings.
func SettingsFromConfig(t config.Tunnel) controller.Settings {
	return controller.Settings{
		DNSOverride:            t.DNSOverride,
		ExcludedIPv4:           t.ExcludedIPv4,
		ExcludedIPv6:           t.ExcludedIPv6,
		DisabledApps:           t.DisabledApps,
		SplitTunnelSupported:   t.SplitTunnel,
		CaptivePortalAlert:     t.CaptivePortalAlert,
		CaptivePortalAddresses: t.CaptivePortalAddresses,
		LocalNetworkAccess:     t.LocalNetworkAccess,
		AlwaysPort53:           t.AlwaysPort53,
	}
}

// LocationFromConfig returns the saved location.
func LocationFromConfig(l config.Location) servers.Location {
	return servers.Location{
		ExitCountry:  l.ExitCountry,
		ExitCity:     l.ExitCity,
		EntryCountry: l.EntryCountry,
		EntryCity:    l.EntryCity,
	}
}

// SetOnNotification sets a callback for every controller notification.
// It runs on the App's notification goroutine.
func (a *App) SetOnNotification(callback func(controller.Notification)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNotification = callback
}

// Start runs the controller and initializes the backend. The controller
// outlives ctx and stops only in Close, so a tunnel can still be torn down
// after the caller's context ends.
func (a *App) Start(ctx context.Context) error {
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.controller.Run(life); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Controller stopped: %v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.pump(life)
	}()

	return a.controller.Initialize(ctx)
}

func (a *App) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-a.notes:
			a.handle(n)
			a.mu.RLock()
			callback := a.onNotification
			a.mu.RUnlock()
			if callback != nil {
				callback(n)
			}
		}
	}
}

func (a *App) handle(n controller.Notification) {
	switch n := n.(type) {
	case controller.StateChanged:
		a.logger.Info("State %s -> %s", n.From, n.To)
		if n.From == controller.StateOn && !n.ConnectedAt.IsZero() {
			a.recordSession(n)
		}
	case controller.HandshakeFailed:
		a.logger.Warn("No handshake from %s", n.PublicKey)
	case controller.ServerUnavailable:
		if n.PingReceived {
			a.logger.Error("Server unavailable")
		} else {
			a.logger.Error("Server unavailable, no network connectivity")
		}
	case controller.ControllerFailed:
		a.logger.Error("Controller failure: %v", n.Err)
	case controller.ReadyToQuit:
		a.quitOnce.Do(func() { close(a.quitReady) })
	}
}

func (a *App) recordSession(n controller.StateChanged) {
	if a.store == nil {
		return
	}
	id, err := a.store.RecordSession(store.Session{
		ExitPublicKey:  n.Location.ExitPublicKey,
		EntryPublicKey: n.Location.EntryPublicKey,
		Started:        n.ConnectedAt,
		Ended:          a.clock.Now(),
		Retries:        n.Retries,
	})
	if err != nil {
		a.logger.Warn("Failed to record session: %v", err)
		return
	}
	a.logger.Debug("Recorded session %s", id)
}

// Controller returns the connection controller.
func (a *App) Controller() *controller.Controller { return a.controller }

// Directory returns the server directory.
func (a *App) Directory() *servers.Directory { return a.directory }

// Config returns the configuration the App was built with.
func (a *App) Config() *config.Config { return a.cfg }

// QuitReady is closed once the controller reports ReadyToQuit.
func (a *App) QuitReady() <-chan struct{} { return a.quitReady }

// Subscribe returns a new notification channel from the controller.
func (a *App) Subscribe() <-chan controller.Notification {
	return a.controller.Subscribe()
}

// perform runs fn as a NonDeletable task and waits for it.
func (a *App) perform(ctx context.Context, name string, fn func() error) error {
	h := a.queue.Enqueue(tasks.Func(name, tasks.NonDeletable, func(context.Context) error {
		return fn()
	}))
	return h.Wait(ctx)
}

// performSettled runs a connection change as a NonDeletable task that
// holds the queue until the change settles.
func (a *App) performSettled(ctx context.Context, name string, fn func() error) error {
	h := a.queue.Enqueue(a.settledTask(name, tasks.NonDeletable, fn))
	return h.Wait(ctx)
}

// settledTask sends fn to the controller and returns once the tunnel is On
// or Off again, or the activation was refused. The outcome itself reaches
// subscribers as notifications.
func (a *App) settledTask(name string, policy tasks.DeletePolicy, fn func() error) tasks.Task {
	return tasks.Func(name, policy, func(ctx context.Context) error {
		notes := a.controller.Subscribe()
		defer a.controller.Unsubscribe(notes)

		if err := fn(); err != nil {
			return err
		}
		// State goes through the controller loop, so a stable state here
		// means fn changed nothing still in flight.
		if st := a.controller.State(); st == controller.StateOn || st == controller.StateOff {
			return nil
		}

		timeout := a.clock.NewTimer(common.SettleTimeout)
		defer timeout.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timeout.C():
				return fmt.Errorf("%s: %w", name, common.ErrTimeout)
			case n := <-notes:
				if settles(n) {
					return nil
				}
			}
		}
	})
}

func settles(n controller.Notification) bool {
	switch n := n.(type) {
	case controller.StateChanged:
		return n.To == controller.StateOn || n.To == controller.StateOff
	case controller.ActivationBlockedForCaptivePortal,
		controller.ServerUnavailable,
		controller.ControllerFailed,
		controller.ReadyToQuit,
		controller.ReadyToUpdate,
		controller.ReadyToLogout,
		controller.ReadyToBackendFailure:
		return true
	}
	return false
}

// Activate connects to loc. It returns once the attempt has settled.
func (a *App) Activate(ctx context.Context, loc servers.Location) error {
	return a.performSettled(ctx, "activate", func() error {
		return a.controller.Activate(loc, controller.Randomize)
	})
}

// Deactivate disconnects and waits for Off.
func (a *App) Deactivate(ctx context.Context) error {
	return a.performSettled(ctx, "deactivate", a.controller.Deactivate)
}

// SwitchServers moves the tunnel to loc.
func (a *App) SwitchServers(ctx context.Context, loc servers.Location) error {
	return a.performSettled(ctx, "switch servers", func() error {
		return a.controller.SwitchServers(loc)
	})
}

// SilentSwitch replaces the exit server in place.
func (a *App) SilentSwitch(ctx context.Context, cooldown bool) error {
	return a.performSettled(ctx, "silent switch", func() error {
		return a.controller.SilentSwitch(cooldown)
	})
}

// Quit tears the tunnel down. QuitReady closes once it is done.
func (a *App) Quit(ctx context.Context) error {
	a.queue.CancelPending(true)
	return a.perform(ctx, "quit", a.controller.Quit)
}

// UpdateSettings applies new tunnel settings to future activations.
func (a *App) UpdateSettings(ctx context.Context, t config.Tunnel) error {
	a.cfg.Tunnel = t
	return a.perform(ctx, "update settings", func() error {
		return a.controller.UpdateSettings(SettingsFromConfig(t))
	})
}

// ReloadServers re-reads the server file as a Reschedulable task and
// reacts to the new list.
func (a *App) ReloadServers(ctx context.Context) error {
	h := a.queue.Enqueue(tasks.Func("reload servers", tasks.Reschedulable, func(context.Context) error {
		return a.directory.Reload()
	}))
	if err := h.Wait(ctx); err != nil {
		return err
	}
	a.serversChanged()
	return nil
}

// serversChanged drops queued work built on the old list and moves the
// tunnel away from an exit that disappeared.
func (a *App) serversChanged() {
	a.queue.CancelPending(false)

	snap, err := a.controller.Snapshot()
	if err != nil {
		return
	}
	if snap.State != controller.StateOn && snap.State != controller.StateConfirming {
		return
	}
	if _, ok := a.directory.Lookup(snap.Location.ExitPublicKey); ok {
		return
	}

	loc := snap.Location
	loc.ExitPublicKey, loc.EntryPublicKey = "", ""
	a.logger.Info("Exit server %s left the list, switching within %s", snap.Location.ExitPublicKey, loc)
	a.queue.Enqueue(a.settledTask("switch after server update", tasks.Deletable, func() error {
		return a.controller.SwitchServers(loc)
	}))
}

// RefreshServers reloads the server file every interval until ctx ends.
func (a *App) RefreshServers(ctx context.Context, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := a.ReloadServers(ctx); err != nil && !errors.Is(err, tasks.ErrCancelled) {
				a.logger.Warn("Server reload failed: %v", err)
			}
		}
	}
}

// ActivateFavorite connects to the location saved as name.
func (a *App) ActivateFavorite(ctx context.Context, name string) error {
	fav, err := a.favorites.Get(name)
	if err != nil {
		return fmt.Errorf("%w: %s", err, name)
	}
	if err := a.Activate(ctx, fav.Location); err != nil {
		return err
	}
	if err := a.favorites.MarkUsed(name); err != nil {
		a.logger.Warn("Failed to update favorite %s: %v", name, err)
	}
	return nil
}

// SaveFavorite stores loc under name. Every city of loc must have servers.
func (a *App) SaveFavorite(name string, loc servers.Location) (Favorite, error) {
	if len(a.directory.Servers(loc.ExitCountry, loc.ExitCity)) == 0 {
		return Favorite{}, fmt.Errorf("%w: %s/%s", common.ErrNoServers, loc.ExitCountry, loc.ExitCity)
	}
	if loc.Multihop() && len(a.directory.Servers(loc.EntryCountry, loc.EntryCity)) == 0 {
		return Favorite{}, fmt.Errorf("%w: %s/%s", common.ErrNoServers, loc.EntryCountry, loc.EntryCity)
	}
	return a.favorites.Add(name, loc)
}

// RemoveFavorite deletes the favorite called name.
func (a *App) RemoveFavorite(name string) error {
	return a.favorites.Remove(name)
}

// Favorites lists saved locations, most recently used first.
func (a *App) Favorites() []Favorite {
	return a.favorites.List()
}

// Snapshot returns the controller's current view.
func (a *App) Snapshot() (controller.Snapshot, error) {
	return a.controller.Snapshot()
}

// Countries returns the server directory.
func (a *App) Countries() []servers.Country {
	return a.directory.Countries()
}

// Status returns the daemon's tunnel status.
func (a *App) Status(ctx context.Context) (daemon.Status, error) {
	return a.controller.Status(ctx)
}

// Logs returns the daemon log.
func (a *App) Logs(ctx context.Context) (string, error) {
	return a.controller.BackendLogs(ctx)
}

// CleanupLogs truncates the daemon log.
func (a *App) CleanupLogs(ctx context.Context) error {
	return a.controller.CleanupBackendLogs(ctx)
}

// Sessions returns up to limit recorded sessions, newest first.
func (a *App) Sessions(limit int) ([]store.Session, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.RecentSessions(limit)
}

// Close stops every component.
func (a *App) Close() error {
	a.queue.Close()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var errs []error
	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if a.ownsStore {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
