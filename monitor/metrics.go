package monitor

import "time"

// Pipeline stages.
const (
	StageChunk   = "chunk"
	StageEmbed   = "embed"
	StageReplace = "replace"
	StageQuery   = "query"
	StageChat    = "chat"
)

type StageMetrics struct {
	Stage    string        `json:"stage"`
	Items    int           `json:"items"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

type RunMetrics struct {
	RunID         string                  `json:"run_id"`
	TotalItems    int                     `json:"total_items"`
	TotalDuration time.Duration           `json:"total_duration"`
	Stages        map[string]StageMetrics `json:"stages"`
	StartTime     time.Time               `json:"start_time"`
	EndTime       time.Time               `json:"end_time"`
}

// Failed reports the first failed stage, if any.
func (m RunMetrics) Failed() (StageMetrics, bool) {
	for _, name := range []string{StageChunk, StageEmbed, StageReplace, StageQuery, StageChat} {
		if s, ok := m.Stages[name]; ok && !s.Success {
			return s, true
		}
	}
	return StageMetrics{}, false
}
