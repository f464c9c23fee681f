package changelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"torident/internal/types"
)

// maxLineSize bounds a single changelog record during reads.
const maxLineSize = 64 * 1024

// ChangeLog is the append-only, line-delimited store of rotation
// outcomes. It is observability, not a contract: callers must treat a
// returned write error as a counter to bump, never as a reason to fail
// the rotation it records.
type ChangeLog struct {
	path   string
	logger *zap.Logger
	mu     sync.RWMutex
}

// New creates a ChangeLog backed by the given file path.
func New(path string, logger *zap.Logger) *ChangeLog {
	return &ChangeLog{
		path:   path,
		logger: logger,
	}
}

// Append serializes the outcome as one self-contained JSON record and
// appends it as a single line. The returned error is informational
// only; the record is simply lost on I/O failure.
func (c *ChangeLog) Append(outcome types.RotationOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create changelog directory: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open changelog: %w", err)
	}
	defer f.Close()

	// One Write call per record so readers never see a partial line.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}

	return nil
}

// ReadRecent returns up to limit most-recently-appended records,
// most-recent first. Malformed lines are skipped; a missing file
// yields an empty result.
func (c *ChangeLog) ReadRecent(limit int) []types.RotationOutcome {
	if limit <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to open changelog", zap.Error(err))
		}
		return nil
	}
	defer f.Close()

	var records []types.RotationOutcome
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var outcome types.RotationOutcome
		if err := json.Unmarshal(line, &outcome); err != nil {
			c.logger.Debug("Skipping malformed changelog line", zap.Error(err))
			continue
		}
		records = append(records, outcome)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("Changelog read stopped early", zap.Error(err))
	}

	if len(records) > limit {
		records = records[len(records)-limit:]
	}

	// Reverse to most-recent first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	return records
}

// Clear removes all persisted records. It reports success and never
// returns an error; a missing file counts as cleared.
func (c *ChangeLog) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to clear changelog", zap.Error(err))
		return false
	}

	return true
}
