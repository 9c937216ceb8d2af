package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
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
	"github.com/yllada/tunnelctl/vpn"
)

type stubService struct {
	mu          sync.Mutex
	notes       chan controller.Notification
	onActivate  []controller.Notification
	snap        controller.Snapshot
	status      daemon.Status
	logs        string
	sessions    []store.Session
	countries   []servers.Country
	deactivated int
	switched    int
	cleaned     bool
	favorites   []vpn.Favorite
}

func newStub() *stubService {
	return &stubService{
		notes: make(chan controller.Notification, 32),
		countries: []servers.Country{{
			Name: "Sweden",
			Code: "se",
			Cities: []servers.City{{
				Name: "Gothenburg",
				Code: "got",
				Servers: []servers.Server{
					{Hostname: "se-got-wg-001", PublicKey: "key-a", Weight: 100, MultihopPort: 3001},
					{Hostname: "se-got-wg-002", PublicKey: "key-b", Weight: 50},
				},
			}},
		}},
	}
}

func (s *stubService) Activate(ctx context.Context, loc servers.Location) error {
	for _, n := range s.onActivate {
		s.notes <- n
	}
	return nil
}

func (s *stubService) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	s.deactivated++
	s.mu.Unlock()
	s.notes <- controller.StateChanged{From: controller.StateOn, To: controller.StateOff}
	return nil
}

func (s *stubService) SilentSwitch(ctx context.Context, cooldown bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switched++
	return nil
}

func (s *stubService) Snapshot() (controller.Snapshot, error)            { return s.snap, nil }
func (s *stubService) Status(ctx context.Context) (daemon.Status, error) { return s.status, nil }
func (s *stubService) Logs(ctx context.Context) (string, error)          { return s.logs, nil }
func (s *stubService) Sessions(limit int) ([]store.Session, error)       { return s.sessions, nil }
func (s *stubService) Countries() []servers.Country                      { return s.countries }
func (s *stubService) Subscribe() <-chan controller.Notification         { return s.notes }

func (s *stubService) CleanupLogs(ctx context.Context) error {
	s.cleaned = true
	return nil
}

func (s *stubService) ActivateFavorite(ctx context.Context, name string) error {
	for _, f := range s.favorites {
		if f.Name == name {
			return s.Activate(ctx, f.Location)
		}
	}
	return vpn.ErrFavoriteNotFound
}

func (s *stubService) SaveFavorite(name string, loc servers.Location) (vpn.Favorite, error) {
	f := vpn.Favorite{Name: name, Location: loc}
	s.favorites = append(s.favorites, f)
	return f, nil
}

func (s *stubService) RemoveFavorite(name string) error {
	for i, f := range s.favorites {
		if f.Name == name {
			s.favorites = append(s.favorites[:i], s.favorites[i+1:]...)
			return nil
		}
	}
	return vpn.ErrFavoriteNotFound
}

func (s *stubService) Favorites() []vpn.Favorite { return s.favorites }

var gothenburg = servers.Location{ExitCountry: "se", ExitCity: "got"}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name    string
		exit    string
		entry   string
		want    servers.Location
		wantErr bool
	}{
		{name: "single hop", exit: "se/got", want: gothenburg},
		{
			name:  "multihop",
			exit:  "se/got",
			entry: " de/fra ",
			want:  servers.Location{ExitCountry: "se", ExitCity: "got", EntryCountry: "de", EntryCity: "fra"},
		},
		{name: "missing city", exit: "se", wantErr: true},
		{name: "empty country", exit: "/got", wantErr: true},
		{name: "too many parts", exit: "se/got/1", wantErr: true},
		{name: "bad entry", exit: "se/got", entry: "de", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocation(tt.exit, tt.entry)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute + 7*time.Second, "2h 5m 7s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCLI_Connect(t *testing.T) {
	on := gothenburg
	on.ExitPublicKey = "key-a"

	stub := newStub()
	stub.onActivate = []controller.Notification{
		controller.StateChanged{From: controller.StateOff, To: controller.StateConnecting, Location: on},
		controller.HandshakeFailed{PublicKey: "key-b"},
		controller.StateChanged{From: controller.StateConnecting, To: controller.StateOn, Location: on},
	}

	var out bytes.Buffer
	require.NoError(t, New(stub, &out).Connect(context.Background(), gothenburg))
	assert.Contains(t, out.String(), "Connecting to se/got...")
	assert.Contains(t, out.String(), "No handshake from se-got-wg-002, retrying")
	assert.Contains(t, out.String(), "✓ Connected to se/got (se-got-wg-001)")
}

func TestCLI_ConnectFails(t *testing.T) {
	off := controller.StateChanged{From: controller.StateConnecting, To: controller.StateOff}

	tests := []struct {
		name    string
		notes   []controller.Notification
		wantErr error
		wantMsg string
	}{
		{
			name:    "no network",
			notes:   []controller.Notification{controller.ServerUnavailable{PingReceived: false}, off},
			wantErr: common.ErrServerUnavailable,
			wantMsg: "no network connectivity",
		},
		{
			name:    "server down",
			notes:   []controller.Notification{controller.ServerUnavailable{PingReceived: true}, off},
			wantErr: common.ErrServerUnavailable,
		},
		{
			name:    "captive portal",
			notes:   []controller.Notification{controller.ActivationBlockedForCaptivePortal{}},
			wantMsg: "captive portal",
		},
		{
			name:    "daemon failure",
			notes:   []controller.Notification{controller.ControllerFailed{Err: common.ErrTransport}, off},
			wantErr: common.ErrTransport,
		},
		{
			name:    "back to off",
			notes:   []controller.Notification{off},
			wantMsg: "connection failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			stub.onActivate = tt.notes

			err := New(stub, &bytes.Buffer{}).Connect(context.Background(), gothenburg)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestCLI_ConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New(newStub(), &bytes.Buffer{}).Connect(ctx, gothenburg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCLI_Disconnect(t *testing.T) {
	stub := newStub()
	var out bytes.Buffer
	c := New(stub, &out)

	stub.snap.State = controller.StateOff
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Contains(t, out.String(), "No active connection.")
	assert.Zero(t, stub.deactivated)

	out.Reset()
	stub.snap = controller.Snapshot{State: controller.StateOn, Location: gothenburg}
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Contains(t, out.String(), "Disconnecting from se/got...")
	assert.Contains(t, out.String(), "✓ Disconnected")
	assert.Equal(t, 1, stub.deactivated)
}

func TestCLI_Status(t *testing.T) {
	stub := newStub()
	stub.snap = controller.Snapshot{
		State:        controller.StateOn,
		Location:     servers.Location{ExitCountry: "se", ExitCity: "got", ExitPublicKey: "key-a"},
		ConnectedFor: 90 * time.Second,
		Health:       controller.ConnectionHealth{State: controller.HealthStable},
	}
	stub.status = daemon.Status{DeviceIPv4Address: "10.67.1.2", TxBytes: 2_000_000, RxBytes: 512}

	var out bytes.Buffer
	require.NoError(t, New(stub, &out).Status(context.Background()))

	got := out.String()
	for _, want := range []string{"STATE", "On", "se/got (se-got-wg-001)", "1m 30s", "10.67.1.2", "2.0 MB", "512 B", "Stable"} {
		assert.Contains(t, got, want)
	}
}

func TestCLI_ListServers(t *testing.T) {
	stub := newStub()
	var out bytes.Buffer
	require.NoError(t, New(stub, &out).ListServers())

	got := out.String()
	assert.Contains(t, got, "se/got")
	assert.Contains(t, got, "Gothenburg, Sweden")
	assert.Contains(t, got, "se-got-wg-001")
	assert.Contains(t, got, "3001")

	out.Reset()
	stub.countries = nil
	require.NoError(t, New(stub, &out).ListServers())
	assert.Equal(t, "No servers configured.\n", out.String())
}

func TestCLI_Sessions(t *testing.T) {
	stub := newStub()
	var out bytes.Buffer
	c := New(stub, &out)

	require.NoError(t, c.Sessions(10))
	assert.Equal(t, "No recorded sessions.\n", out.String())

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stub.sessions = []store.Session{{
		ExitPublicKey:  "key-a",
		EntryPublicKey: "unknown-entry-key",
		Started:        started,
		Ended:          started.Add(90 * time.Second),
		Retries:        2,
	}}

	out.Reset()
	require.NoError(t, c.Sessions(10))
	got := out.String()
	assert.Contains(t, got, "1m 30s")
	assert.Contains(t, got, "se-got-wg-001")
	assert.Contains(t, got, "unknown-")
}

func TestCLI_Logs(t *testing.T) {
	stub := newStub()
	var out bytes.Buffer
	c := New(stub, &out)

	require.NoError(t, c.Logs(context.Background()))
	assert.Equal(t, "The daemon log is empty.\n", out.String())

	out.Reset()
	stub.logs = "first\nsecond\n"
	require.NoError(t, c.Logs(context.Background()))
	assert.Equal(t, "first\nsecond\n", out.String())

	out.Reset()
	require.NoError(t, c.CleanLogs(context.Background()))
	assert.True(t, stub.cleaned)
	assert.Contains(t, out.String(), "Daemon log cleared")
}

func TestCLI_Favorites(t *testing.T) {
	stub := newStub()
	var out bytes.Buffer
	c := New(stub, &out)

	require.NoError(t, c.ListFavorites())
	assert.Contains(t, out.String(), "No favorites saved.")

	out.Reset()
	require.NoError(t, c.SaveFavorite("home", gothenburg))
	assert.Contains(t, out.String(), `✓ Saved se/got as "home"`)

	stub.favorites = append(stub.favorites, vpn.Favorite{
		Name:     "work",
		Location: servers.Location{ExitCountry: "de", ExitCity: "fra"},
		LastUsed: time.Now().Add(-3 * time.Hour),
	})
	out.Reset()
	require.NoError(t, c.ListFavorites())
	got := out.String()
	assert.Contains(t, got, "home")
	assert.Contains(t, got, "Never")
	assert.Contains(t, got, "de/fra")
	assert.Contains(t, got, "3 hours ago")

	on := gothenburg
	on.ExitPublicKey = "key-a"
	stub.onActivate = []controller.Notification{
		controller.StateChanged{From: controller.StateConnecting, To: controller.StateOn, Location: on},
	}
	out.Reset()
	require.NoError(t, c.ConnectFavorite(context.Background(), "home"))
	assert.Contains(t, out.String(), "Connecting to home...")
	assert.Contains(t, out.String(), "Connected to se/got (se-got-wg-001)")

	err := c.ConnectFavorite(context.Background(), "gym")
	assert.ErrorIs(t, err, vpn.ErrFavoriteNotFound)

	require.NoError(t, c.RemoveFavorite("home"))
	assert.ErrorIs(t, c.RemoveFavorite("home"), vpn.ErrFavoriteNotFound)
}

func TestPrintHelp(t *testing.T) {
	var out bytes.Buffer
	PrintHelp(&out)
	assert.Contains(t, out.String(), "--connect LOCATION")
	assert.Contains(t, out.String(), "TUNNELCTL_BACKEND")
}

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatchModel_Notifications(t *testing.T) {
	stub := newStub()
	m := newWatchModel(context.Background(), New(stub, &bytes.Buffer{}))

	on := servers.Location{ExitCountry: "se", ExitCity: "got", ExitPublicKey: "key-a"}
	model, cmd := m.Update(noteMsg{note: controller.StateChanged{From: controller.StateConfirming, To: controller.StateOn, Location: on}})
	require.NotNil(t, cmd)
	m = model.(watchModel)

	model, _ = m.Update(noteMsg{note: controller.HealthChanged{Health: controller.HealthUnstable}})
	m = model.(watchModel)

	view := m.View()
	assert.Contains(t, view, "On")
	assert.Contains(t, view, "se/got (se-got-wg-001)")
	assert.Contains(t, view, "Unstable")
	assert.Contains(t, view, "Confirming → On")
	assert.Contains(t, view, "q quit")
}

func TestWatchModel_Events(t *testing.T) {
	m := newWatchModel(context.Background(), New(newStub(), &bytes.Buffer{}))
	for i := 0; i < maxEvents+3; i++ {
		m = m.record(fmt.Sprintf("event %d", i))
	}
	require.Len(t, m.events, maxEvents)
	assert.Equal(t, fmt.Sprintf("event %d", maxEvents+2), m.events[0])

	m = m.apply(controller.ControllerFailed{Err: errors.New("socket closed")})
	assert.Contains(t, m.View(), "socket closed")
}

func TestWatchModel_Keys(t *testing.T) {
	stub := newStub()
	m := newWatchModel(context.Background(), New(stub, &bytes.Buffer{}))

	_, cmd := m.Update(runeKey("d"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, actionMsg{name: "disconnect"}, msg)
	assert.Equal(t, 1, stub.deactivated)

	_, cmd = m.Update(runeKey("s"))
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, 1, stub.switched)

	model, cmd := m.Update(runeKey("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, model.(watchModel).View())
}

func TestWatchModel_ReadyToQuit(t *testing.T) {
	m := newWatchModel(context.Background(), New(newStub(), &bytes.Buffer{}))
	model, cmd := m.Update(noteMsg{note: controller.ReadyToQuit{}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.True(t, model.(watchModel).quitting)
}

func TestCLI_WithApp(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	serverKey := priv.PublicKey().String()

	path := filepath.Join(t.TempDir(), "servers.yaml")
	content := fmt.Sprintf(`countries:
  - name: Sweden
    code: se
    cities:
      - name: Gothenburg
        code: got
        servers:
          - hostname: se-got-wg-001
            public_key: "%s"
            ipv4_addr_in: 185.213.154.1
            ipv4_gateway: 10.64.0.1
            weight: 100
            port_ranges:
              - {min: 51820, max: 51830}
`, serverKey)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	dir, err := servers.LoadDirectory(path)
	require.NoError(t, err)

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fake := daemon.NewFake(false)
	fake.AutoInitialize = true
	fake.AutoConnect = true

	cfg := config.DefaultConfig()
	cfg.Health.Enabled = false
	cfg.Device.IPv4Address = "10.67.1.2/32"

	favs, err := vpn.NewFavorites(filepath.Join(t.TempDir(), "favorites.yaml"), nil)
	require.NoError(t, err)

	app, err := vpn.NewApp(vpn.Options{
		Favorites: favs,
		Config:    cfg,
		Keys:      deviceKey{key: priv},
		Backend:   fake,
		Directory: dir,
		Store:     db,
		Clock:     clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Pinger: controller.PingFunc(func(ctx context.Context, addr string, count int) (controller.PingResult, error) {
			return controller.PingResult{Sent: count, Received: count}, nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { app.Close() })
	require.Eventually(t, func() bool { return app.Controller().State() == controller.StateOff },
		3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	c := New(app, &out)
	require.NoError(t, c.Connect(ctx, gothenburg))
	assert.Contains(t, out.String(), "Connected to se/got (se-got-wg-001)")

	out.Reset()
	require.NoError(t, c.Status(ctx))
	assert.Contains(t, out.String(), "On")

	out.Reset()
	require.NoError(t, c.Disconnect(ctx))
	assert.Contains(t, out.String(), "Disconnected")
}

type deviceKey struct{ key wgtypes.Key }

func (d deviceKey) EnsureDeviceKey() (wgtypes.Key, bool, error) { return d.key, false, nil }
