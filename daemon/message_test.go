package daemon

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/tunnelctl/cidr"
	"github.com/yllada/tunnelctl/common"
)

func TestEncodeActivate(t *testing.T) {
	hop := HopConfig{
		Type:              MultiHopEntry,
		HopIndex:          1,
		PrivateKey:        "priv",
		DeviceIPv4Address: "10.64.0.2",
		ServerPublicKey:   "pub",
		ServerIPv4AddrIn:  "198.51.100.7",
		ServerIPv4Gateway: "10.64.0.1",
		ServerPort:        51820,
		AllowedIPs:        []cidr.Block{cidr.MustParse("0.0.0.0/0"), cidr.MustParse("::/0")},
	}

	line, err := encodeLine(newActivateMessage(hop))
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])

	var got map[string]any
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "activate", got["type"])
	assert.Equal(t, float64(1), got["hopindex"])
	assert.Equal(t, "MultiHopEntry", got["hopType"])
	assert.Equal(t, "198.51.100.7", got["serverIpv4AddrIn"])
	assert.Equal(t, float64(51820), got["serverPort"])
	assert.NotContains(t, got, "dnsServer")
	assert.Equal(t, []any{}, got["excludedAddresses"])
	assert.Equal(t, []any{}, got["vpnDisabledApps"])

	ranges := got["allowedIPAddressRanges"].([]any)
	require.Len(t, ranges, 2)
	assert.Equal(t, map[string]any{"address": "0.0.0.0", "range": float64(0), "isIpv6": false}, ranges[0])
	assert.Equal(t, map[string]any{"address": "::", "range": float64(0), "isIpv6": true}, ranges[1])
}

func TestEncodeCommand(t *testing.T) {
	idx := 0
	line, err := encodeLine(commandMessage{Type: msgDeactivate, HopIndex: &idx})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"deactivate","hopindex":0}`+"\n", string(line))

	line, err = encodeLine(commandMessage{Type: msgStatus})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"status"}`+"\n", string(line))
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Event
		wantErr bool
	}{
		{
			name: "status",
			line: `{"type":"status","serverIpv4Gateway":"10.64.0.1","deviceIpv4Address":"10.64.0.2","txBytes":10,"rxBytes":20}`,
			want: StatusUpdated{Status: Status{ServerIPv4Gateway: "10.64.0.1", DeviceIPv4Address: "10.64.0.2", TxBytes: 10, RxBytes: 20}},
		},
		{
			name:    "incomplete status",
			line:    `{"type":"status","txBytes":10}`,
			wantErr: true,
		},
		{
			name: "connected without hop",
			line: `{"type":"connected","pubkey":"abc"}`,
			want: Connected{PublicKey: "abc", HopIndex: -1},
		},
		{
			name: "connected with hop",
			line: `{"type":"connected","pubkey":"abc","hopindex":1}`,
			want: Connected{PublicKey: "abc", HopIndex: 1},
		},
		{
			name:    "connected without pubkey",
			line:    `{"type":"connected"}`,
			wantErr: true,
		},
		{
			name: "disconnected",
			line: `{"type":"disconnected"}`,
			want: Disconnected{},
		},
		{
			name: "backend failure",
			line: `{"type":"backendFailure"}`,
			want: BackendFailure{},
		},
		{
			name:    "unknown type",
			line:    `{"type":"bogus"}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			line:    `{"pubkey":"abc"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			line:    `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, typ, err := parseInbound([]byte(tt.line))
			if err == nil {
				var ev Event
				ev, err = msg.event(typ)
				if err == nil {
					assert.Equal(t, tt.want, ev)
				}
			}
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestInitialStatus(t *testing.T) {
	msg, _, err := parseInbound([]byte(`{"type":"status","connected":false}`))
	require.NoError(t, err)
	ev, err := msg.initialStatus()
	require.NoError(t, err)
	assert.Equal(t, Initialized{OK: true}, ev)

	msg, _, err = parseInbound([]byte(`{"type":"status","connected":true,"date":"2024-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	ev, err = msg.initialStatus()
	require.NoError(t, err)
	assert.True(t, ev.Connected)
	assert.True(t, ev.Since.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	msg, _, err = parseInbound([]byte(`{"type":"status","connected":true,"date":"yesterday"}`))
	require.NoError(t, err)
	_, err = msg.initialStatus()
	assert.ErrorIs(t, err, ErrMalformed)

	msg, _, err = parseInbound([]byte(`{"type":"status"}`))
	require.NoError(t, err)
	_, err = msg.initialStatus()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLogsRestoreNewlines(t *testing.T) {
	msg, typ, err := parseInbound([]byte(`{"type":"logs","logs":"one|two|three"}`))
	require.NoError(t, err)
	assert.Equal(t, msgLogs, typ)
	assert.Equal(t, "one\ntwo\nthree", msg.logs())
}

func TestNew(t *testing.T) {
	b, err := New(Options{Backend: common.BackendFake, Multihop: true})
	require.NoError(t, err)
	assert.True(t, b.MultihopSupported())

	b, err = New(Options{})
	require.NoError(t, err)
	assert.IsType(t, &LocalSocket{}, b)

	b, err = New(Options{Backend: common.BackendDBus})
	require.NoError(t, err)
	assert.IsType(t, &DBus{}, b)

	_, err = New(Options{Backend: "carrier-pigeon"})
	assert.ErrorIs(t, err, common.ErrUnknownBackend)
}
