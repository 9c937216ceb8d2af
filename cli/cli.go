// Package cli provides the command-line interface of tunnelctl.
// It drives a vpn.App from the terminal: connecting, disconnecting and
// showing status, servers, sessions and daemon logs.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/controller"
	"github.com/yllada/tunnelctl/daemon"
	"github.com/yllada/tunnelctl/servers"
	"github.com/yllada/tunnelctl/store"
	"github.com/yllada/tunnelctl/vpn"
)

// Service is the part of vpn.App the CLI uses.
type Service interface {
	Activate(ctx context.Context, loc servers.Location) error
	Deactivate(ctx context.Context) error
	SilentSwitch(ctx context.Context, cooldown bool) error
	Snapshot() (controller.Snapshot, error)
	Status(ctx context.Context) (daemon.Status, error)
	Logs(ctx context.Context) (string, error)
	CleanupLogs(ctx context.Context) error
	Sessions(limit int) ([]store.Session, error)
	Countries() []servers.Country
	Subscribe() <-chan controller.Notification

	ActivateFavorite(ctx context.Context, name string) error
	SaveFavorite(name string, loc servers.Location) (vpn.Favorite, error)
	RemoveFavorite(name string) error
	Favorites() []vpn.Favorite
}

// CLI represents the command-line interface.
type CLI struct {
	app   Service
	out   io.Writer
	color bool
}

// New creates a CLI writing to out. Colors are used when out is a terminal.
func New(app Service, out io.Writer) *CLI {
	color := false
	if f, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &CLI{app: app, out: out, color: color}
}

// ParseLocation parses "country/city" for the exit and, when entry is not
// empty, for the entry server.
func ParseLocation(exit, entry string) (servers.Location, error) {
	var loc servers.Location
	var err error

	loc.ExitCountry, loc.ExitCity, err = splitLocation(exit)
	if err != nil {
		return servers.Location{}, err
	}
	if strings.TrimSpace(entry) != "" {
		loc.EntryCountry, loc.EntryCity, err = splitLocation(entry)
		if err != nil {
			return servers.Location{}, err
		}
	}
	return loc, nil
}

func splitLocation(s string) (string, string, error) {
	country, city, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || country == "" || city == "" || strings.Contains(city, "/") {
		return "", "", fmt.Errorf("invalid location %q, want country/city", s)
	}
	return country, city, nil
}

// Connect activates loc and waits until the tunnel is up or the attempt
// is abandoned.
func (c *CLI) Connect(ctx context.Context, loc servers.Location) error {
	return c.connect(ctx, loc.String(), func() error {
		return c.app.Activate(ctx, loc)
	})
}

// ConnectFavorite connects to a saved location.
func (c *CLI) ConnectFavorite(ctx context.Context, name string) error {
	return c.connect(ctx, name, func() error {
		return c.app.ActivateFavorite(ctx, name)
	})
}

func (c *CLI) connect(ctx context.Context, target string, activate func() error) error {
	notes := c.app.Subscribe()

	fmt.Fprintf(c.out, "Connecting to %s...\n", target)
	if err := activate(); err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-notes:
			switch n := n.(type) {
			case controller.StateChanged:
				switch n.To {
				case controller.StateOn:
					fmt.Fprintf(c.out, "%s Connected to %s\n", c.good("✓"), c.describe(n.Location))
					return nil
				case controller.StateOff:
					return errors.New("connection failed")
				}
			case controller.HandshakeFailed:
				fmt.Fprintf(c.out, "  No handshake from %s, retrying\n", c.hostname(n.PublicKey))
			case controller.ServerUnavailable:
				if !n.PingReceived {
					return fmt.Errorf("%w: no network connectivity", common.ErrServerUnavailable)
				}
				return common.ErrServerUnavailable
			case controller.ActivationBlockedForCaptivePortal:
				return errors.New("activation blocked: captive portal detected")
			case controller.ControllerFailed:
				return fmt.Errorf("connection failed: %w", n.Err)
			}
		}
	}
}

// Disconnect tears the tunnel down and waits for Off.
func (c *CLI) Disconnect(ctx context.Context) error {
	snap, err := c.app.Snapshot()
	if err != nil {
		return err
	}
	if snap.State == controller.StateOff {
		fmt.Fprintln(c.out, "No active connection.")
		return nil
	}

	notes := c.app.Subscribe()
	fmt.Fprintf(c.out, "Disconnecting from %s...\n", c.describe(snap.Location))
	if err := c.app.Deactivate(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-notes:
			if sc, ok := n.(controller.StateChanged); ok && sc.To == controller.StateOff {
				fmt.Fprintf(c.out, "%s Disconnected\n", c.good("✓"))
				return nil
			}
		}
	}
}

// Status shows the current connection status.
func (c *CLI) Status(ctx context.Context) error {
	snap, err := c.app.Snapshot()
	if err != nil {
		return err
	}

	st, err := c.app.Status(ctx)
	if err != nil {
		return fmt.Errorf("daemon status: %w", err)
	}

	location := "-"
	if snap.Location.ExitCountry != "" {
		location = c.describe(snap.Location)
	}
	uptime := "-"
	if snap.State == controller.StateOn {
		uptime = formatDuration(snap.ConnectedFor)
	}
	address := st.DeviceIPv4Address
	if address == "" {
		address = "-"
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tLOCATION\tUPTIME\tADDRESS\tSENT\tRECEIVED\tHEALTH")
	fmt.Fprintln(w, "-----\t--------\t------\t-------\t----\t--------\t------")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		c.state(snap.State), location, uptime, address,
		humanize.Bytes(st.TxBytes), humanize.Bytes(st.RxBytes), snap.Health.State)
	return w.Flush()
}

// ListServers lists the server directory.
func (c *CLI) ListServers() error {
	countries := c.app.Countries()
	if len(countries) == 0 {
		fmt.Fprintln(c.out, "No servers configured.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tCITY\tHOSTNAME\tWEIGHT\tMULTIHOP")
	fmt.Fprintln(w, "--------\t----\t--------\t------\t--------")
	for _, country := range countries {
		for _, city := range country.Cities {
			for _, s := range city.Servers {
				multihop := "-"
				if s.MultihopPort > 0 {
					multihop = fmt.Sprint(s.MultihopPort)
				}
				fmt.Fprintf(w, "%s/%s\t%s, %s\t%s\t%d\t%s\n",
					country.Code, city.Code, city.Name, country.Name, s.Hostname, s.Weight, multihop)
			}
		}
	}
	return w.Flush()
}

// Sessions lists recent tunnel sessions.
func (c *CLI) Sessions(limit int) error {
	sessions, err := c.app.Sessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No recorded sessions.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDURATION\tEXIT\tENTRY\tRETRIES")
	fmt.Fprintln(w, "-------\t--------\t----\t-----\t-------")
	for _, s := range sessions {
		entry := "-"
		if s.EntryPublicKey != "" {
			entry = c.hostname(s.EntryPublicKey)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			s.Started.Local().Format(time.DateTime), formatDuration(s.Duration()),
			c.hostname(s.ExitPublicKey), entry, s.Retries)
	}
	return w.Flush()
}

// ListFavorites lists saved locations.
func (c *CLI) ListFavorites() error {
	favs := c.app.Favorites()
	if len(favs) == 0 {
		fmt.Fprintln(c.out, "No favorites saved.")
		fmt.Fprintln(c.out, "Save one with: tunnelctl --connect country/city --save NAME")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLOCATION\tLAST USED")
	fmt.Fprintln(w, "----\t--------\t---------")
	for _, f := range favs {
		lastUsed := "Never"
		if !f.LastUsed.IsZero() {
			lastUsed = humanize.Time(f.LastUsed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, f.Location, lastUsed)
	}
	return w.Flush()
}

// SaveFavorite stores loc under name.
func (c *CLI) SaveFavorite(name string, loc servers.Location) error {
	fav, err := c.app.SaveFavorite(name, loc)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Saved %s as %q\n", c.good("✓"), fav.Location, fav.Name)
	return nil
}

// RemoveFavorite deletes a saved location.
func (c *CLI) RemoveFavorite(name string) error {
	if err := c.app.RemoveFavorite(name); err != nil {
		return fmt.Errorf("%w: %s", err, name)
	}
	fmt.Fprintf(c.out, "%s Removed %q\n", c.good("✓"), name)
	return nil
}

// Logs prints the daemon log.
func (c *CLI) Logs(ctx context.Context) error {
	logs, err := c.app.Logs(ctx)
	if err != nil {
		return fmt.Errorf("daemon logs: %w", err)
	}
	if logs == "" {
		fmt.Fprintln(c.out, "The daemon log is empty.")
		return nil
	}
	fmt.Fprintln(c.out, strings.TrimRight(logs, "\n"))
	return nil
}

// CleanLogs truncates the daemon log.
func (c *CLI) CleanLogs(ctx context.Context) error {
	if err := c.app.CleanupLogs(ctx); err != nil {
		return fmt.Errorf("daemon logs: %w", err)
	}
	fmt.Fprintf(c.out, "%s Daemon log cleared\n", c.good("✓"))
	return nil
}

// hostname finds the server name for a public key.
func (c *CLI) hostname(publicKey string) string {
	for _, country := range c.app.Countries() {
		for _, city := range country.Cities {
			for _, s := range city.Servers {
				if s.PublicKey == publicKey {
					return s.Hostname
				}
			}
		}
	}
	if len(publicKey) > 8 {
		return publicKey[:8]
	}
	return publicKey
}

func (c *CLI) describe(loc servers.Location) string {
	desc := loc.String()
	if loc.ExitPublicKey != "" {
		desc += " (" + c.hostname(loc.ExitPublicKey) + ")"
	}
	return desc
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `tunnelctl - WireGuard connection controller

Usage:
  tunnelctl [OPTIONS]

Options:
  --version            Show version and exit
  --verbose            Enable verbose logging
  --config PATH        Use a different configuration file
  --servers            List the server directory
  --connect LOCATION   Connect to country/city or a favorite and stay connected
  --entry LOCATION     Route through an entry server (multi-hop)
  --save NAME          Save the --connect/--entry location as a favorite
  --favorites          List saved favorites
  --forget NAME        Remove a favorite
  --watch              Show a live view while connected
  --disconnect         Disconnect the current tunnel
  --status             Show the current connection status
  --sessions           Show recent sessions
  --logs               Print the daemon log
  --clean-logs         Clear the daemon log
  --device-key         Print the device public key
  --help               Show this help message

Examples:
  tunnelctl --servers
  tunnelctl --connect se/got
  tunnelctl --connect se/got --entry de/fra --watch
  tunnelctl --connect se/got --save home
  tunnelctl --connect home
  tunnelctl --status

Environment:
  TUNNELCTL_BACKEND, TUNNELCTL_SOCKET, TUNNELCTL_SERVERS_FILE,
  TUNNELCTL_DATABASE, TUNNELCTL_LOG_LEVEL, TUNNELCTL_DNS and
  TUNNELCTL_MULTIHOP override the configuration file. They may also be
  set in a .env file next to it.`)
}
