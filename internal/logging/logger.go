package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobLog represents a single completed job's summary line.
type JobLog struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	ModelUsed  string    `json:"model_used"`
	DurationMs int64     `json:"duration_ms"`
	Delegated  int       `json:"delegated,omitempty"` // number of models tried before success
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	TotalCost  float64   `json:"total_cost,omitempty"`
	Overage    bool      `json:"overage,omitempty"`
}

// Logger handles per-job completion logging, in the style of an access log:
// a short console line plus an optional append-only JSON file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default job logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a job completion entry.
func (l *Logger) Log(entry *JobLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		overage := ""
		if entry.Overage {
			overage = " [overage]"
		}
		delegated := ""
		if entry.Delegated > 0 {
			delegated = fmt.Sprintf(" [delegated:%d]", entry.Delegated)
		}
		fmt.Printf("[job] %s %s type=%s model=%s %dms%s%s\n",
			status, entry.JobID, entry.JobType, entry.ModelUsed, entry.DurationMs, delegated, overage)
		if entry.Error != "" {
			fmt.Printf("[job]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
