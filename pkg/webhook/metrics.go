package webhook

import (
	"sync"
	"time"
)

// Metrics summarizes requests for one path and method.
type Metrics struct {
	Path          string        `json:"path"`
	Method        string        `json:"method"`
	TotalRequests int64         `json:"totalRequests"`
	SuccessCount  int64         `json:"successCount"`
	FailureCount  int64         `json:"failureCount"`
	AverageTime   time.Duration `json:"averageTime"`
	LastStatus    int           `json:"lastStatus"`
	LastRequestAt time.Time     `json:"lastRequestAt"`
}

// MetricsTracker tracks webhook request statistics
type MetricsTracker struct {
	metrics map[string]*Metrics
	mu      sync.RWMutex
}

// NewMetricsTracker creates a new metrics tracker
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		metrics: make(map[string]*Metrics),
	}
}

// Track records a finished request
func (mt *MetricsTracker) Track(path, method string, status int, d time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	key := method + ":" + path
	m, exists := mt.metrics[key]
	if !exists {
		m = &Metrics{Path: path, Method: method}
		mt.metrics[key] = m
	}

	m.TotalRequests++
	if status < 400 {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	m.AverageTime = (m.AverageTime*time.Duration(m.TotalRequests-1) + d) / time.Duration(m.TotalRequests)
	m.LastStatus = status
	m.LastRequestAt = time.Now()
}

// GetMetrics returns a copy of all metrics
func (mt *MetricsTracker) GetMetrics() []Metrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	result := make([]Metrics, 0, len(mt.metrics))
	for _, m := range mt.metrics {
		result = append(result, *m)
	}
	return result
}

// GetMetricsFor returns metrics for one path and method
func (mt *MetricsTracker) GetMetricsFor(path, method string) *Metrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	m, exists := mt.metrics[method+":"+path]
	if !exists {
		return nil
	}
	result := *m
	return &result
}
