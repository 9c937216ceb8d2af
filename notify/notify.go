// Package notify shows connection events as desktop notifications.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/controller"
	"github.com/yllada/tunnelctl/servers"
)

// Kind represents the type of notification.
type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindWarning
	KindError
)

// Message is one desktop notification.
type Message struct {
	Title string
	Body  string
	Kind  Kind
	Icon  string
}

// icon returns the themed icon name for m.
func (m Message) icon() string {
	if m.Icon != "" {
		return m.Icon
	}
	switch m.Kind {
	case KindWarning:
		return "dialog-warning"
	case KindError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency maps Kind to the freedesktop urgency hint.
func (m Message) urgency() byte {
	switch m.Kind {
	case KindError:
		return 2
	case KindWarning:
		return 1
	default:
		return 0
	}
}

// Sender delivers messages.
type Sender interface {
	Send(m Message) error
}

const (
	busName       = "org.freedesktop.Notifications"
	busPath       = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod  = busName + ".Notify"
	expireDefault = int32(-1)
)

// DBusSender talks to the notification server on the session bus. Each
// message replaces the previous one so a connection attempt shows as a
// single updating popup.
type DBusSender struct {
	mu   sync.Mutex
	conn *dbus.Conn
	obj  dbus.BusObject
	last uint32
}

// NewDBusSender connects to the session bus.
func NewDBusSender() (*DBusSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	return &DBusSender{conn: conn, obj: conn.Object(busName, busPath)}, nil
}

// Send shows m.
func (s *DBusSender) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(m.urgency()),
	}
	var id uint32
	err := s.obj.Call(notifyMethod, 0,
		common.AppName, s.last, m.icon(), m.Title, m.Body,
		[]string{}, hints, expireDefault,
	).Store(&id)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	s.last = id
	return nil
}

// Close releases the bus connection.
func (s *DBusSender) Close() error {
	return s.conn.Close()
}

// Notifier turns controller notifications into messages.
type Notifier struct {
	sender   Sender
	describe func(servers.Location) string
	logger   common.Logger
}

// NewNotifier creates a Notifier. describe names a location for humans;
// nil uses Location.String.
func NewNotifier(sender Sender, describe func(servers.Location) string) *Notifier {
	if describe == nil {
		describe = servers.Location.String
	}
	return &Notifier{
		sender:   sender,
		describe: describe,
		logger:   common.GetLogger().Named("notify"),
	}
}

// Handle shows n when it is worth a popup.
func (n *Notifier) Handle(note controller.Notification) {
	m, ok := n.message(note)
	if !ok {
		return
	}
	if err := n.sender.Send(m); err != nil {
		n.logger.Warn("Error showing notification: %v", err)
	}
}

func (n *Notifier) message(note controller.Notification) (Message, bool) {
	switch note := note.(type) {
	case controller.StateChanged:
		switch {
		case note.To == controller.StateConnecting &&
			(note.From == controller.StateOff || note.From == controller.StateCheckSubscription):
			return Message{
				Title: "Connecting",
				Body:  "Connecting to " + n.describe(note.Location) + "...",
				Icon:  "network-vpn-acquiring",
			}, true
		case note.To == controller.StateOn:
			return Message{
				Title: "Connected",
				Body:  "Connected to " + n.describe(note.Location),
				Kind:  KindSuccess,
			}, true
		case note.To == controller.StateOff && note.From == controller.StateDisconnecting:
			return Message{
				Title: "Disconnected",
				Body:  "Disconnected from " + n.describe(note.Location),
				Icon:  "network-vpn-disconnected",
			}, true
		}
	case controller.ServerUnavailable:
		body := "The server did not answer. Try another location."
		if !note.PingReceived {
			body = "No network connectivity."
		}
		return Message{Title: "Server unavailable", Body: body, Kind: KindError}, true
	case controller.ActivationBlockedForCaptivePortal:
		return Message{
			Title: "Captive portal detected",
			Body:  "Sign in to the network before connecting.",
			Kind:  KindWarning,
		}, true
	case controller.ControllerFailed:
		return Message{Title: "Connection error", Body: fmt.Sprint(note.Err), Kind: KindError}, true
	case controller.HealthChanged:
		if note.Health == controller.HealthNoSignal {
			return Message{
				Title: "Connection lost",
				Body:  "The tunnel stopped passing traffic.",
				Kind:  KindWarning,
			}, true
		}
	}
	return Message{}, false
}
