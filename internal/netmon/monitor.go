// Package netmon observes connectivity to the remote store and exposes a
// point-in-time status.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/daybook/internal/clock"
)

// Quality grades a usable link. Poor is a soft signal: bulk work is refused
// but single-record transfers still run.
type Quality string

const (
	QualityGood Quality = "good"
	QualityPoor Quality = "poor"
)

// Status is one connectivity sample. Staleness up to the refresh interval is
// acceptable.
type Status struct {
	Online    bool      `json:"online"`
	Quality   Quality   `json:"quality"`
	SampledAt time.Time `json:"sampled_at"`
}

// Prober performs one connectivity check.
type Prober interface {
	Probe(ctx context.Context) Status
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) Status

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) Status {
	return f(ctx)
}

// Monitor caches the latest probe result and refreshes it in the background.
// Status() never blocks on the network.
type Monitor struct {
	prober   Prober
	interval time.Duration
	clock    clock.Clock

	mu      sync.RWMutex
	current Status

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor. It starts offline until the first sample.
func NewMonitor(prober Prober, interval time.Duration, clk clock.Clock) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		clock:    clk,
		current:  Status{Online: false, Quality: QualityPoor},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background refresh loop and takes an immediate sample.
func (m *Monitor) Start(ctx context.Context) {
	m.Refresh(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Refresh takes a sample immediately and caches it.
func (m *Monitor) Refresh(ctx context.Context) Status {
	status := m.prober.Probe(ctx)
	status.SampledAt = m.clock.Now()

	m.mu.Lock()
	prev := m.current
	m.current = status
	m.mu.Unlock()

	if prev.Online != status.Online || prev.Quality != status.Quality {
		logrus.WithField("online", status.Online).
			WithField("quality", status.Quality).
			Info("Network status changed")
	}
	return status
}

// Status returns the cached sample without touching the network.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// WaitForOnline blocks until the link comes up or the timeout expires,
// re-probing at the refresh interval. Returns false on timeout.
func (m *Monitor) WaitForOnline(ctx context.Context, timeout time.Duration) bool {
	if m.Status().Online {
		return true
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := m.interval
	if poll > time.Second {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return false
		case <-ticker.C:
			if m.Refresh(waitCtx).Online {
				return true
			}
		}
	}
}

// HTTPProber samples connectivity with a HEAD request against the remote
// store. A slow round trip degrades the sample to poor.
type HTTPProber struct {
	URL           string
	Client        *http.Client
	PoorThreshold time.Duration
}

// NewHTTPProber creates an HTTPProber against the given URL.
func NewHTTPProber(url string, poorThreshold time.Duration) *HTTPProber {
	if poorThreshold <= 0 {
		poorThreshold = 750 * time.Millisecond
	}
	return &HTTPProber{
		URL:           url,
		Client:        &http.Client{Timeout: 5 * time.Second},
		PoorThreshold: poorThreshold,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Status{Online: false, Quality: QualityPoor}
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Status{Online: false, Quality: QualityPoor}
	}
	resp.Body.Close()
	elapsed := time.Since(start)

	quality := QualityGood
	if elapsed > p.PoorThreshold {
		quality = QualityPoor
	}
	return Status{Online: true, Quality: quality}
}
