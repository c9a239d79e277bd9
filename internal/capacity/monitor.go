package capacity

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// Resizer is implemented by caches whose capacity can change at runtime
type Resizer interface {
	Resize(capacity int64) error
}

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	// SampleInterval is how often memory is sampled
	SampleInterval time.Duration
	// PressureRatio of heap in use to available memory above which the
	// memory tier is halved
	PressureRatio float64
	// MaxSamples is the number of samples kept in history
	MaxSamples int
	// Available reports the memory budget; defaults to Available
	Available func() uint64
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 30 * time.Second,
		PressureRatio:  0.9,
		MaxSamples:     60,
	}
}

// Sample is one memory reading and the capacity derived from it
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Available uint64    `json:"available"`
	HeapInuse uint64    `json:"heap_inuse"`
	Capacity  int64     `json:"capacity"`
	Pressure  bool      `json:"pressure"`
}

// Monitor periodically recomputes the memory tier's capacity and resizes it
// when the answer changes.
type Monitor struct {
	config MonitorConfig
	policy types.CapacityPolicy
	target Resizer
	logger *zap.Logger

	mu      sync.RWMutex
	samples []Sample
	current int64

	resizes atomic.Uint64
	active  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor that resizes target according to policy
func NewMonitor(config MonitorConfig, policy types.CapacityPolicy, target Resizer, logger *zap.Logger) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.PressureRatio <= 0 {
		config.PressureRatio = defaults.PressureRatio
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Available == nil {
		config.Available = Available
	}

	return &Monitor{
		config: config,
		policy: policy,
		target: target,
		logger: utils.OrNop(logger).Named("capacity"),
	}
}

// Start begins periodic sampling
func (m *Monitor) Start(ctx context.Context) error {
	if !m.active.CompareAndSwap(false, true) {
		return errors.NewError(errors.ErrCodeInvalidArgument, "monitor already running").WithComponent("capacity")
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop ends sampling and waits for the loop to exit
func (m *Monitor) Stop() {
	if !m.active.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes one sample and resizes the target if the capacity changed
func (m *Monitor) Check() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	available := m.config.Available()
	capacity := m.policy.MaxBytes(available)
	pressure := available > 0 && float64(ms.HeapInuse) > float64(available)*m.config.PressureRatio
	if pressure {
		capacity /= 2
		if capacity < MinBytes {
			capacity = MinBytes
		}
	}

	s := Sample{
		Timestamp: time.Now(),
		Available: available,
		HeapInuse: ms.HeapInuse,
		Capacity:  capacity,
		Pressure:  pressure,
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.config.MaxSamples:]
	}
	changed := capacity != m.current
	m.mu.Unlock()

	if changed {
		if err := m.target.Resize(capacity); err != nil {
			m.logger.Warn("failed to resize memory tier", zap.Int64("capacity", capacity), zap.Error(err))
			return s
		}
		m.mu.Lock()
		m.current = capacity
		m.mu.Unlock()
		m.resizes.Add(1)
		m.logger.Info("memory tier resized",
			zap.String("capacity", utils.FormatBytes(capacity)),
			zap.String("available", utils.FormatBytes(int64(available))),
			zap.Bool("pressure", pressure))
	}
	return s
}

// Samples returns a copy of the sample history
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}

// Resizes returns how many times the target was resized
func (m *Monitor) Resizes() uint64 {
	return m.resizes.Load()
}
