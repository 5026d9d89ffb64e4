package monitor

import (
	"sync"
	"time"
)

type MetricsCollector interface {
	Record(metrics StageMetrics)
	Flush() RunMetrics
}

type InMemoryCollector struct {
	mu        sync.RWMutex
	runID     string
	stages    map[string]StageMetrics
	startTime time.Time
}

func NewInMemoryCollector(runID string) *InMemoryCollector {
	return &InMemoryCollector{
		runID:     runID,
		stages:    make(map[string]StageMetrics),
		startTime: time.Now(),
	}
}

// Record stores metrics for a stage. Recording the same stage twice adds the
// item counts and durations together.
func (c *InMemoryCollector) Record(metrics StageMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.stages[metrics.Stage]; ok {
		metrics.Items += prev.Items
		metrics.Duration += prev.Duration
		metrics.Success = metrics.Success && prev.Success
		if metrics.Error == "" {
			metrics.Error = prev.Error
		}
	}
	c.stages[metrics.Stage] = metrics
}

// Time runs fn and records it as one stage.
func (c *InMemoryCollector) Time(stage string, items int, fn func() error) error {
	start := time.Now()
	err := fn()
	m := StageMetrics{Stage: stage, Items: items, Duration: time.Since(start), Success: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	c.Record(m)
	return err
}

func (c *InMemoryCollector) Flush() RunMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var totalItems int
	var totalDuration time.Duration

	stages := make(map[string]StageMetrics, len(c.stages))
	for k, v := range c.stages {
		stages[k] = v
		totalItems += v.Items
		totalDuration += v.Duration
	}

	return RunMetrics{
		RunID:         c.runID,
		TotalItems:    totalItems,
		TotalDuration: totalDuration,
		Stages:        stages,
		StartTime:     c.startTime,
		EndTime:       time.Now(),
	}
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = make(map[string]StageMetrics)
	c.startTime = time.Now()
}

type NoOpCollector struct{}

func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (c *NoOpCollector) Record(metrics StageMetrics) {}

func (c *NoOpCollector) Flush() RunMetrics {
	return RunMetrics{}
}
