package controller

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/tunnelctl/clock"
	"github.com/yllada/tunnelctl/common"
)

// Health is the quality of an established tunnel.
type Health int

const (
	HealthUnknown Health = iota
	HealthStable
	HealthUnstable
	HealthNoSignal
)

// String returns a human-readable representation of the health state.
func (h Health) String() string {
	switch h {
	case HealthStable:
		return "Stable"
	case HealthUnstable:
		return "Unstable"
	case HealthNoSignal:
		return "NoSignal"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health monitor.
type HealthConfig struct {
	// CheckInterval is how often the gateway is pinged.
	CheckInterval time.Duration
	// Probes is the number of echo requests per check.
	Probes int
	// UnstableLatency marks the tunnel unstable when the average round
	// trip exceeds it.
	UnstableLatency time.Duration
	// FailureThreshold is how many consecutive silent checks mean no signal.
	FailureThreshold int
	// AutoSwitch silently switches servers on no signal.
	AutoSwitch bool
}

// DefaultHealthConfig returns the defaults used by the CLI.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    10 * time.Second,
		Probes:           3,
		UnstableLatency:  time.Second,
		FailureThreshold: 3,
		AutoSwitch:       true,
	}
}

// ConnectionHealth is the monitor's latest reading.
type ConnectionHealth struct {
	Target           string
	State            Health
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
	Loss             float64
}

// HealthMonitor pings the exit gateway through the tunnel while the
// controller is On.
type HealthMonitor struct {
	mu       sync.RWMutex
	config   HealthConfig
	pinger   Pinger
	clock    clock.Clock
	logger   common.Logger
	running  bool
	stopChan chan struct{}
	health   ConnectionHealth
	onChange func(old Health, health ConnectionHealth)
}

// NewHealthMonitor creates a stopped monitor.
func NewHealthMonitor(pinger Pinger, c clock.Clock, config HealthConfig) *HealthMonitor {
	if c == nil {
		c = clock.Real
	}
	return &HealthMonitor{
		config:   config,
		pinger:   pinger,
		clock:    c,
		logger:   common.GetLogger().Named("health"),
		stopChan: make(chan struct{}),
	}
}

// SetOnHealthChange sets a callback for health state changes. It runs on
// the monitor goroutine.
func (hm *HealthMonitor) SetOnHealthChange(callback func(old Health, health ConnectionHealth)) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.onChange = callback
}

// Start begins monitoring target. A running monitor is restarted.
func (hm *HealthMonitor) Start(target string) {
	hm.Stop()

	hm.mu.Lock()
	hm.running = true
	hm.stopChan = make(chan struct{})
	hm.health = ConnectionHealth{Target: target}
	stop := hm.stopChan
	interval := hm.config.CheckInterval
	hm.mu.Unlock()

	hm.logger.Info("Health monitor started for %s (interval: %v)", target, interval)
	go hm.runLoop(stop, target, interval)
}

// Stop stops the monitoring loop.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if !hm.running {
		return
	}
	hm.running = false
	close(hm.stopChan)
	hm.logger.Debug("Health monitor stopped")
}

// IsRunning returns whether the monitor is running.
func (hm *HealthMonitor) IsRunning() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.running
}

// Health returns a copy of the latest reading.
func (hm *HealthMonitor) Health() ConnectionHealth {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.health
}

// UpdateConfig replaces the configuration. A new interval applies on the
// next Start.
func (hm *HealthMonitor) UpdateConfig(config HealthConfig) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.config = config
}

func (hm *HealthMonitor) runLoop(stop chan struct{}, target string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthConfig().CheckInterval
	}
	ticker := hm.clock.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			hm.check(ctx, stop, target)
		}
	}
}

// check performs one probe round and classifies the result.
func (hm *HealthMonitor) check(ctx context.Context, stop chan struct{}, target string) {
	hm.mu.RLock()
	cfg := hm.config
	hm.mu.RUnlock()

	probes := cfg.Probes
	if probes <= 0 {
		probes = 1
	}
	res, err := hm.pinger.Ping(ctx, target, probes)

	hm.mu.Lock()
	select {
	case <-stop:
		hm.mu.Unlock()
		return
	default:
	}

	h := &hm.health
	h.LastCheck = hm.clock.Now()
	old := h.State

	switch {
	case err != nil && res.Received == 0:
		h.ConsecutiveFails++
		h.Latency = 0
		h.Loss = 1
		hm.logger.Warn("Health check failed for %s (attempt %d/%d): %v",
			target, h.ConsecutiveFails, cfg.FailureThreshold, err)
		if h.ConsecutiveFails >= cfg.FailureThreshold {
			h.State = HealthNoSignal
		} else {
			h.State = HealthUnstable
		}
	default:
		h.ConsecutiveFails = 0
		h.LastSuccess = h.LastCheck
		h.Latency = res.AvgRTT
		h.Loss = res.Loss()
		if h.Loss > 0 || (cfg.UnstableLatency > 0 && h.Latency > cfg.UnstableLatency) {
			h.State = HealthUnstable
		} else {
			h.State = HealthStable
		}
	}

	snapshot := *h
	callback := hm.onChange
	hm.mu.Unlock()

	if old != snapshot.State {
		hm.logger.Info("Health changed for %s: %s -> %s", target, old, snapshot.State)
		if callback != nil {
			callback(old, snapshot)
		}
	}
}
