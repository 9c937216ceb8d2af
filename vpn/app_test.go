package vpn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/tunnelctl/clock"
	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/config"
	"github.com/yllada/tunnelctl/controller"
	"github.com/yllada/tunnelctl/daemon"
	"github.com/yllada/tunnelctl/servers"
	"github.com/yllada/tunnelctl/store"
)

type staticKeys struct{ key wgtypes.Key }

func (s staticKeys) EnsureDeviceKey() (wgtypes.Key, bool, error) { return s.key, false, nil }

func publicKey(t *testing.T) string {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return priv.PublicKey().String()
}

func writeServers(t *testing.T, path string, keys ...string) {
	t.Helper()
	content := `countries:
  - name: Sweden
    code: se
    cities:
      - name: Gothenburg
        code: got
        servers:
`
	for i, key := range keys {
		content += fmt.Sprintf(`          - hostname: se-got-wg-%03d
            public_key: "%s"
            ipv4_addr_in: 185.213.154.%d
            ipv4_gateway: 10.64.0.1
            weight: 100
            port_ranges:
              - {min: 51820, max: 51830}
`, i+1, key, i+1)
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

type fixture struct {
	app       *App
	fake      *daemon.Fake
	clock     *clock.MockClock
	store     *store.Store
	favorites *Favorites
	device    wgtypes.Key
	servers   string
	keys      []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureContext(t, context.Background())
}

// newFixtureContext starts the App with ctx.
func newFixtureContext(t *testing.T, ctx context.Context) *fixture {
	t.Helper()

	f := &fixture{
		fake:    daemon.NewFake(false),
		clock:   clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		servers: filepath.Join(t.TempDir(), "servers.yaml"),
		keys:    []string{publicKey(t), publicKey(t)},
	}
	f.fake.AutoInitialize = true
	f.fake.AutoConnect = true

	writeServers(t, f.servers, f.keys[0])
	dir, err := servers.LoadDirectory(f.servers)
	require.NoError(t, err)

	f.store, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	f.device, err = wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	f.favorites, err = NewFavorites(filepath.Join(t.TempDir(), "favorites.yaml"), f.clock.Now)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Health.Enabled = false
	cfg.Device.IPv4Address = "10.67.1.2/32"

	f.app, err = NewApp(Options{
		Config:    cfg,
		Keys:      staticKeys{key: f.device},
		Backend:   f.fake,
		Directory: dir,
		Store:     f.store,
		Clock:     f.clock,
		Favorites: f.favorites,
		Pinger: controller.PingFunc(func(ctx context.Context, addr string, count int) (controller.PingResult, error) {
			return controller.PingResult{Sent: count, Received: count}, nil
		}),
	})
	require.NoError(t, err)

	require.NoError(t, f.app.Start(ctx))
	t.Cleanup(func() { f.app.Close() })
	f.waitState(t, controller.StateOff)
	return f
}

func (f *fixture) waitState(t *testing.T, want controller.State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.app.Controller().State() == want },
		3*time.Second, 5*time.Millisecond, "state never became %s", want)
}

var gothenburg = servers.Location{ExitCountry: "se", ExitCity: "got"}

func TestApp_ActivateRecordsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.app.Activate(ctx, gothenburg))
	f.waitState(t, controller.StateOn)

	acts := f.fake.Activations()
	require.Len(t, acts, 1)
	assert.Equal(t, f.device.String(), acts[0].PrivateKey)
	assert.Equal(t, "10.67.1.2/32", acts[0].DeviceIPv4Address)
	assert.Equal(t, f.keys[0], acts[0].ServerPublicKey)

	f.clock.Advance(90 * time.Second)
	require.NoError(t, f.app.Deactivate(ctx))
	f.waitState(t, controller.StateOff)

	require.Eventually(t, func() bool {
		sessions, err := f.app.Sessions(10)
		return err == nil && len(sessions) == 1
	}, 3*time.Second, 5*time.Millisecond)

	sessions, err := f.app.Sessions(10)
	require.NoError(t, err)
	assert.Equal(t, f.keys[0], sessions[0].ExitPublicKey)
	assert.Equal(t, 90*time.Second, sessions[0].Duration())
}

func TestApp_Notifications(t *testing.T) {
	f := newFixture(t)

	got := make(chan controller.Notification, 64)
	f.app.SetOnNotification(func(n controller.Notification) { got <- n })

	require.NoError(t, f.app.Activate(context.Background(), gothenburg))
	f.waitState(t, controller.StateOn)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-got:
			if sc, ok := n.(controller.StateChanged); ok && sc.To == controller.StateOn {
				return
			}
		case <-deadline:
			t.Fatal("StateChanged to On was not forwarded")
		}
	}
}

func TestApp_ServerLeavesList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.app.Activate(ctx, gothenburg))
	f.waitState(t, controller.StateOn)

	// Reloading an unchanged list keeps the tunnel.
	require.NoError(t, f.app.ReloadServers(ctx))
	assert.Len(t, f.fake.Activations(), 1)

	writeServers(t, f.servers, f.keys[1])
	require.NoError(t, f.app.ReloadServers(ctx))

	require.Eventually(t, func() bool {
		acts := f.fake.Activations()
		return len(acts) == 2 && f.app.Controller().State() == controller.StateOn
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, f.keys[1], f.fake.Activations()[1].ServerPublicKey)
}

func TestApp_ReloadKeepsListOnError(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, os.WriteFile(f.servers, []byte("countries: ["), 0600))
	assert.Error(t, f.app.ReloadServers(context.Background()))
	assert.Len(t, f.app.Directory().Servers("se", "got"), 1)
}

func TestApp_Quit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.app.Activate(ctx, gothenburg))
	f.waitState(t, controller.StateOn)

	require.NoError(t, f.app.Quit(ctx))
	select {
	case <-f.app.QuitReady():
	case <-time.After(3 * time.Second):
		t.Fatal("QuitReady was not closed")
	}
	assert.Equal(t, controller.StateOff, f.app.Controller().State())
}

func TestApp_QuitAfterStartContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixtureContext(t, ctx)

	require.NoError(t, f.app.Activate(context.Background(), gothenburg))
	f.waitState(t, controller.StateOn)

	cancel()
	assert.Equal(t, controller.StateOn, f.app.Controller().State(), "the tunnel outlives the start context")

	require.NoError(t, f.app.Quit(context.Background()))
	select {
	case <-f.app.QuitReady():
	case <-time.After(3 * time.Second):
		t.Fatal("QuitReady was not closed")
	}
	assert.Len(t, f.fake.Deactivations(), 1)
}

func TestApp_ActivationHoldsQueue(t *testing.T) {
	f := newFixture(t)
	f.fake.AutoConnect = false
	ctx := context.Background()

	activated := make(chan error, 1)
	go func() { activated <- f.app.Activate(ctx, gothenburg) }()

	require.Eventually(t, func() bool { return len(f.fake.Activations()) == 1 },
		3*time.Second, 5*time.Millisecond)
	f.waitState(t, controller.StateConfirming)

	name, running := f.app.queue.Running()
	assert.True(t, running)
	assert.Equal(t, "activate", name)

	deactivated := make(chan error, 1)
	go func() { deactivated <- f.app.Deactivate(ctx) }()

	require.Eventually(t, func() bool { return len(f.app.queue.Pending()) == 1 },
		3*time.Second, 5*time.Millisecond)
	select {
	case err := <-activated:
		t.Fatalf("activation returned before the handshake: %v", err)
	default:
	}
	assert.Empty(t, f.fake.Deactivations(), "deactivation waits for the activation to settle")

	f.fake.Emit(daemon.Connected{PublicKey: f.keys[0], HopIndex: -1})

	for _, done := range []chan error{activated, deactivated} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("task did not finish")
		}
	}
	f.waitState(t, controller.StateOff)
	assert.Len(t, f.fake.Deactivations(), 1)
}

func TestApp_DeactivateWhenOff(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.app.Deactivate(context.Background()) }()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("deactivation from Off did not return")
	}
	_, running := f.app.queue.Running()
	assert.False(t, running)
}

func TestApp_StatusAndLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetLogs("line one\nline two")

	logs, err := f.app.Logs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", logs)
	require.NoError(t, f.app.CleanupLogs(ctx))

	require.NoError(t, f.app.Activate(ctx, gothenburg))
	f.waitState(t, controller.StateOn)

	st, err := f.app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.64.0.1", st.ServerIPv4Gateway)
}

func TestApp_UpdateSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tunnel := f.app.Config().Tunnel
	tunnel.DNSOverride = "9.9.9.9"
	require.NoError(t, f.app.UpdateSettings(ctx, tunnel))

	require.NoError(t, f.app.Activate(ctx, gothenburg))
	f.waitState(t, controller.StateOn)
	assert.Equal(t, "9.9.9.9", f.fake.Activations()[0].DNSServer)
}

func TestSettingsFromConfig(t *testing.T) {
	tunnel := config.Tunnel{
		DNSOverride:        "1.1.1.1",
		ExcludedIPv4:       []string{"192.0.2.0/24"},
		DisabledApps:       []string{"firefox"},
		SplitTunnel:        true,
		LocalNetworkAccess: true,
		AlwaysPort53:       true,
	}
	got := SettingsFromConfig(tunnel)

	assert.Equal(t, "1.1.1.1", got.DNSOverride)
	assert.Equal(t, []string{"192.0.2.0/24"}, got.ExcludedIPv4)
	assert.Equal(t, []string{"firefox"}, got.DisabledApps)
	assert.True(t, got.SplitTunnelSupported)
	assert.True(t, got.LocalNetworkAccess)
	assert.True(t, got.AlwaysPort53)
	assert.False(t, got.CaptivePortalAlert)

	loc := LocationFromConfig(config.Location{ExitCountry: "se", ExitCity: "got", EntryCountry: "de", EntryCity: "fra"})
	assert.True(t, loc.Multihop())
}

func TestApp_Favorites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.SaveFavorite("nowhere", servers.Location{ExitCountry: "xx", ExitCity: "yyy"})
	assert.ErrorIs(t, err, common.ErrNoServers)

	multihop := servers.Location{ExitCountry: "se", ExitCity: "got", EntryCountry: "de", EntryCity: "fra"}
	_, err = f.app.SaveFavorite("via frankfurt", multihop)
	assert.ErrorIs(t, err, common.ErrNoServers)

	fav, err := f.app.SaveFavorite("home", gothenburg)
	require.NoError(t, err)
	assert.Equal(t, gothenburg, fav.Location)

	err = f.app.ActivateFavorite(ctx, "work")
	assert.ErrorIs(t, err, ErrFavoriteNotFound)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.app.ActivateFavorite(ctx, "home"))
	f.waitState(t, controller.StateOn)

	list := f.app.Favorites()
	require.Len(t, list, 1)
	assert.Equal(t, f.clock.Now(), list[0].LastUsed)

	require.NoError(t, f.app.RemoveFavorite("home"))
	assert.Empty(t, f.app.Favorites())
}

func TestSettles(t *testing.T) {
	assert.True(t, settles(controller.StateChanged{From: controller.StateConfirming, To: controller.StateOn}))
	assert.True(t, settles(controller.StateChanged{From: controller.StateDisconnecting, To: controller.StateOff}))
	assert.True(t, settles(controller.ServerUnavailable{}))
	assert.True(t, settles(controller.ControllerFailed{}))
	assert.True(t, settles(controller.ActivationBlockedForCaptivePortal{}))

	assert.False(t, settles(controller.StateChanged{From: controller.StateOff, To: controller.StateConnecting}))
	assert.False(t, settles(controller.StateChanged{From: controller.StateOn, To: controller.StateSwitching}))
	assert.False(t, settles(controller.RetryChanged{}))
}
