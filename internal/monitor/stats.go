package monitor

import "time"

// Status is the monitor's lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusMonitoring Status = "monitoring"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// ProcessingStats is the monitor's process-lifetime counter set. It is
// created with the monitor and never persisted; Stats() hands out
// copies, so readers never share memory with the loop.
type ProcessingStats struct {
	Status                   Status
	RunID                    string
	TotalProcessed           int
	ProcessedToday           int
	ErrorsCount              int
	AverageProcessingSeconds float64
	LastProcessingTime       time.Time
	StartTime                time.Time
}
