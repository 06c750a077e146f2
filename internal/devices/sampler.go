package devices

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sampler calls fn every interval on its own goroutine until stopped.
// Drivers use it for background measurements such as flowmeter integration.
type Sampler struct {
	name     string
	interval time.Duration
	fn       func(dt time.Duration)
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewSampler(name string, interval time.Duration, fn func(dt time.Duration), logger *zap.Logger) *Sampler {
	return &Sampler{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Start startet das zyklische Sampling
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.loop(s.stopChan)

	s.logger.Debug("Sampler started",
		zap.String("sampler", s.name),
		zap.Duration("interval", s.interval))
}

// Stop stoppt das Sampling und wartet auf die Goroutine
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Debug("Sampler stopped", zap.String("sampler", s.name))
}

func (s *Sampler) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.fn(now.Sub(last))
			last = now
		}
	}
}

// IsRunning gibt an ob der Sampler läuft
func (s *Sampler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
