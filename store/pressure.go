package store

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

const (
	// DefaultPressureThreshold is the system memory used-percent above
	// which the valve starts releasing pins.
	DefaultPressureThreshold = 90.0
	// DefaultPressureInterval is how often memory usage is sampled.
	DefaultPressureInterval = 10 * time.Second
	// shrinkFraction is the share of pins released per pressure event.
	shrinkFraction = 0.5
)

// pressureMonitor samples system memory usage and shrinks the pressure
// valve when usage crosses the configured threshold.
type pressureMonitor struct {
	threshold float64
	interval  time.Duration

	// usedPercent is swappable in tests.
	usedPercent func() (float64, error)

	valve  *valve
	log    *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPressureMonitor(threshold float64, interval time.Duration) *pressureMonitor {
	if threshold <= 0 {
		return nil
	}
	return &pressureMonitor{
		threshold:   threshold,
		interval:    interval,
		usedPercent: systemUsedPercent,
	}
}

func systemUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (m *pressureMonitor) start(v *valve, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	m.valve = v
	m.log = log
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *pressureMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *pressureMonitor) sample() {
	used, err := m.usedPercent()
	if err != nil {
		m.log.Debug("memory sample failed", zap.Error(err))
		return
	}
	if used < m.threshold {
		return
	}
	released := m.valve.shrink(shrinkFraction)
	if released > 0 {
		m.log.Warn("memory pressure: released pinned cache values",
			zap.Float64("used_percent", used),
			zap.Float64("threshold", m.threshold),
			zap.Int("released", released))
	}
}

func (m *pressureMonitor) stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
