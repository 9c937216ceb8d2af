package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed marks an inbound message that cannot be used.
var ErrMalformed = errors.New("malformed daemon message")

// Message types on the wire.
const (
	msgActivate       = "activate"
	msgDeactivate     = "deactivate"
	msgStatus         = "status"
	msgLogs           = "logs"
	msgCleanLogs      = "cleanlogs"
	msgConnected      = "connected"
	msgDisconnected   = "disconnected"
	msgBackendFailure = "backendFailure"
)

type ipRange struct {
	Address string `json:"address"`
	Range   int    `json:"range"`
	IsIPv6  bool   `json:"isIpv6"`
}

type activateMessage struct {
	Type                   string    `json:"type"`
	HopIndex               int       `json:"hopindex"`
	HopType                string    `json:"hopType"`
	PrivateKey             string    `json:"privateKey"`
	DeviceIPv4Address      string    `json:"deviceIpv4Address"`
	DeviceIPv6Address      string    `json:"deviceIpv6Address"`
	ServerPublicKey        string    `json:"serverPublicKey"`
	ServerIPv4AddrIn       string    `json:"serverIpv4AddrIn"`
	ServerIPv6AddrIn       string    `json:"serverIpv6AddrIn"`
	ServerIPv4Gateway      string    `json:"serverIpv4Gateway"`
	ServerIPv6Gateway      string    `json:"serverIpv6Gateway"`
	ServerPort             int       `json:"serverPort"`
	DNSServer              string    `json:"dnsServer,omitempty"`
	AllowedIPAddressRanges []ipRange `json:"allowedIPAddressRanges"`
	ExcludedAddresses      []string  `json:"excludedAddresses"`
	VPNDisabledApps        []string  `json:"vpnDisabledApps"`
}

type commandMessage struct {
	Type     string `json:"type"`
	HopIndex *int   `json:"hopindex,omitempty"`
}

func newActivateMessage(hop HopConfig) activateMessage {
	ranges := make([]ipRange, 0, len(hop.AllowedIPs))
	for _, b := range hop.AllowedIPs {
		ranges = append(ranges, ipRange{
			Address: b.Addr().String(),
			Range:   b.Bits(),
			IsIPv6:  b.Is6(),
		})
	}

	msg := activateMessage{
		Type:                   msgActivate,
		HopIndex:               hop.HopIndex,
		HopType:                hop.Type.String(),
		PrivateKey:             hop.PrivateKey,
		DeviceIPv4Address:      hop.DeviceIPv4Address,
		DeviceIPv6Address:      hop.DeviceIPv6Address,
		ServerPublicKey:        hop.ServerPublicKey,
		ServerIPv4AddrIn:       hop.ServerIPv4AddrIn,
		ServerIPv6AddrIn:       hop.ServerIPv6AddrIn,
		ServerIPv4Gateway:      hop.ServerIPv4Gateway,
		ServerIPv6Gateway:      hop.ServerIPv6Gateway,
		ServerPort:             hop.ServerPort,
		DNSServer:              hop.DNSServer,
		AllowedIPAddressRanges: ranges,
		ExcludedAddresses:      hop.ExcludedAddresses,
		VPNDisabledApps:        hop.DisabledApps,
	}
	if msg.ExcludedAddresses == nil {
		msg.ExcludedAddresses = []string{}
	}
	if msg.VPNDisabledApps == nil {
		msg.VPNDisabledApps = []string{}
	}
	return msg
}

// encodeLine marshals v compactly and terminates it with a newline.
func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// inbound carries every field any daemon message may hold. Pointers tell
// a missing field from a zero value.
type inbound struct {
	Type              *string  `json:"type"`
	Connected         *bool    `json:"connected"`
	Date              *string  `json:"date"`
	PubKey            *string  `json:"pubkey"`
	HopIndex          *int     `json:"hopindex"`
	ServerIPv4Gateway *string  `json:"serverIpv4Gateway"`
	DeviceIPv4Address *string  `json:"deviceIpv4Address"`
	TxBytes           *float64 `json:"txBytes"`
	RxBytes           *float64 `json:"rxBytes"`
	Logs              *string  `json:"logs"`
}

func parseInbound(line []byte) (inbound, string, error) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		return inbound{}, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == nil {
		return inbound{}, "", fmt.Errorf("%w: no type", ErrMalformed)
	}
	return msg, *msg.Type, nil
}

// initialStatus decodes the first status reply after connecting.
func (m inbound) initialStatus() (Initialized, error) {
	if m.Connected == nil {
		return Initialized{}, fmt.Errorf("%w: status without connected", ErrMalformed)
	}
	if !*m.Connected {
		return Initialized{OK: true}, nil
	}
	if m.Date == nil {
		return Initialized{}, fmt.Errorf("%w: status without date", ErrMalformed)
	}
	since, err := parseDate(*m.Date)
	if err != nil {
		return Initialized{}, err
	}
	return Initialized{OK: true, Connected: true, Since: since}, nil
}

func (m inbound) status() (Status, error) {
	if m.ServerIPv4Gateway == nil || m.DeviceIPv4Address == nil || m.TxBytes == nil || m.RxBytes == nil {
		return Status{}, fmt.Errorf("%w: incomplete status", ErrMalformed)
	}
	return Status{
		ServerIPv4Gateway: *m.ServerIPv4Gateway,
		DeviceIPv4Address: *m.DeviceIPv4Address,
		TxBytes:           uint64(*m.TxBytes),
		RxBytes:           uint64(*m.RxBytes),
	}, nil
}

func (m inbound) connected() (Connected, error) {
	if m.PubKey == nil {
		return Connected{}, fmt.Errorf("%w: connected without pubkey", ErrMalformed)
	}
	ev := Connected{PublicKey: *m.PubKey, HopIndex: -1}
	if m.HopIndex != nil {
		ev.HopIndex = *m.HopIndex
	}
	return ev, nil
}

func (m inbound) logs() string {
	if m.Logs == nil {
		return ""
	}
	return strings.ReplaceAll(*m.Logs, "|", "\n")
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.ANSIC,
	time.RFC1123,
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrMalformed, s)
}

// event converts a steady-state message into an Event.
func (m inbound) event(typ string) (Event, error) {
	switch typ {
	case msgStatus:
		st, err := m.status()
		if err != nil {
			return nil, err
		}
		return StatusUpdated{Status: st}, nil
	case msgConnected:
		ev, err := m.connected()
		if err != nil {
			return nil, err
		}
		return ev, nil
	case msgDisconnected:
		return Disconnected{}, nil
	case msgBackendFailure:
		return BackendFailure{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
}
