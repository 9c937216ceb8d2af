// Package main provides the entry point for tunnelctl.
// tunnelctl drives a WireGuard tunnel daemon: it picks servers from a
// directory, activates single or multi-hop tunnels, retries handshakes on
// other ports and servers, and watches the established tunnel's health.
//
// Usage:
//
//	tunnelctl [options]
//
// Environment:
//
//	A tunnel daemon must be listening on the configured socket, or on the
//	system bus when the dbus backend is selected.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/yllada/tunnelctl/cli"
	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/config"
	"github.com/yllada/tunnelctl/controller"
	"github.com/yllada/tunnelctl/keyring"
	"github.com/yllada/tunnelctl/notify"
	"github.com/yllada/tunnelctl/servers"
	"github.com/yllada/tunnelctl/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

const (
	readyTimeout          = 10 * time.Second
	quitTimeout           = 15 * time.Second
	serverRefreshInterval = time.Hour
	sessionLimit          = 20
)

var (
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Configuration file")

	listServers   = flag.Bool("servers", false, "List the server directory")
	connectTo     = flag.String("connect", "", "Connect to country/city or a favorite")
	entry         = flag.String("entry", "", "Entry server country/city for multi-hop")
	saveAs        = flag.String("save", "", "Save the --connect location as a favorite")
	listFavorites = flag.Bool("favorites", false, "List saved favorites")
	forget        = flag.String("forget", "", "Remove a favorite")
	watch         = flag.Bool("watch", false, "Show a live view while connected")
	disconnectVPN = flag.Bool("disconnect", false, "Disconnect the current tunnel")
	showStatus    = flag.Bool("status", false, "Show current connection status")
	showSessions  = flag.Bool("sessions", false, "Show recent sessions")
	showLogs      = flag.Bool("logs", false, "Print the daemon log")
	cleanLogs     = flag.Bool("clean-logs", false, "Clear the daemon log")
	showDeviceKey = flag.Bool("device-key", false, "Print the device public key")
)

func main() {
	flag.Parse()

	if *showHelp {
		cli.PrintHelp(os.Stdout)
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("tunnelctl v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logLevel := common.ParseLevel(cfg.LogLevel)
	if *verbose {
		logLevel = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:      logLevel,
		EnableFile: cfg.LogToFile,
		MaxSizeMB:  5,
		Keep:       5,
		MaxAgeDays: 28,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	configDir, err := common.GetConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	keys := keyring.New(configDir)

	if *showDeviceKey {
		key, created, err := keys.EnsureDeviceKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Fprintln(os.Stderr, "Generated a new device key.")
		}
		fmt.Println(key.PublicKey())
		return
	}

	if err := run(ctx, cfg, keys); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration from path, or from the default
// location when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run starts the application and executes the selected command.
func run(ctx context.Context, cfg *config.Config, keys *keyring.Keyring) error {
	app, err := vpn.NewApp(vpn.Options{Config: cfg, Keys: keys})
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		return err
	}
	if err := waitReady(ctx, app); err != nil {
		return err
	}

	c := cli.New(app, os.Stdout)

	switch {
	case *listServers:
		return c.ListServers()
	case *listFavorites:
		return c.ListFavorites()
	case *forget != "":
		return c.RemoveFavorite(*forget)
	case *saveAs != "":
		loc, err := cli.ParseLocation(*connectTo, *entry)
		if err != nil {
			return err
		}
		return c.SaveFavorite(*saveAs, loc)
	case *connectTo != "":
		return connect(ctx, app, c)
	case *disconnectVPN:
		return c.Disconnect(ctx)
	case *showSessions:
		return c.Sessions(sessionLimit)
	case *showLogs:
		return c.Logs(ctx)
	case *cleanLogs:
		return c.CleanLogs(ctx)
	case *watch:
		return c.Watch(ctx)
	default:
		if *showStatus || flag.NFlag() == 0 || (flag.NFlag() == 1 && *verbose) {
			return c.Status(ctx)
		}
	}
	return nil
}

// connect keeps the tunnel up until a signal arrives or the user leaves
// the live view, then tears it down. ctx only ends the wait; the App keeps
// running so the teardown still reaches the daemon.
func connect(ctx context.Context, app *vpn.App, c *cli.CLI) error {
	if app.Config().DesktopNotifications {
		if sender, err := notify.NewDBusSender(); err != nil {
			common.LogDebug("Desktop notifications unavailable: %v", err)
		} else {
			defer sender.Close()
			app.SetOnNotification(notify.NewNotifier(sender, nil).Handle)
		}
	}

	var err error
	if strings.Contains(*connectTo, "/") {
		var loc servers.Location
		if loc, err = cli.ParseLocation(*connectTo, *entry); err != nil {
			return err
		}
		err = c.Connect(ctx, loc)
	} else {
		err = c.ConnectFavorite(ctx, *connectTo)
	}
	if err != nil {
		// A failed or interrupted attempt may still hold a half-built tunnel.
		if qerr := shutdown(app); qerr != nil {
			common.LogWarn("Shutdown after failed connect: %v", qerr)
		}
		return err
	}

	go app.RefreshServers(ctx, serverRefreshInterval)

	if *watch {
		if err := c.Watch(ctx); err != nil {
			common.LogWarn("Live view failed: %v", err)
		}
	} else {
		select {
		case <-ctx.Done():
		case <-app.QuitReady():
			return nil
		}
	}
	return shutdown(app)
}

// shutdown deactivates the tunnel and waits for the controller to finish.
func shutdown(app *vpn.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	if err := app.Quit(ctx); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	select {
	case <-app.QuitReady():
		fmt.Println("Disconnected.")
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for the tunnel to go down")
	}
}

// waitReady waits until the controller has heard from the daemon.
func waitReady(ctx context.Context, app *vpn.App) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	notes := app.Subscribe()
	for {
		if app.Controller().State() != controller.StateInitializing {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: no answer from the tunnel daemon", common.ErrDaemonNotReady)
		case n := <-notes:
			if f, ok := n.(controller.ControllerFailed); ok {
				return f.Err
			}
		}
	}
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
