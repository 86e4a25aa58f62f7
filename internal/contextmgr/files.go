package contextmgr

import (
	"os"
	"path/filepath"
)

// Context file names under the configured directory. Both are whole-file
// overwritten by the agent; readers tolerate non-existence.
const (
	SummaryFileName = ".companion-summary.md"
	StateFileName   = ".companion-state.md"
)

// SummaryPath returns the absolute path of the rolling summary file.
func (m *Manager) SummaryPath() string {
	return filepath.Join(m.dir, SummaryFileName)
}

// StatePath returns the absolute path of the structured state file.
func (m *Manager) StatePath() string {
	return filepath.Join(m.dir, StateFileName)
}

// ReadSummary returns the summary file content, or "" when missing/unreadable.
func (m *Manager) ReadSummary() string {
	return m.readFile(m.SummaryPath())
}

// ReadState returns the state file content, or "" when missing/unreadable.
func (m *Manager) ReadState() string {
	return m.readFile(m.StatePath())
}

func (m *Manager) readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to read context file: " + path)
		}
		return ""
	}
	return string(data)
}

// FileSizes returns the on-disk byte sizes of the summary and state files.
// Missing files report zero.
func (m *Manager) FileSizes() (summaryBytes, stateBytes int64) {
	if info, err := os.Stat(m.SummaryPath()); err == nil {
		summaryBytes = info.Size()
	}
	if info, err := os.Stat(m.StatePath()); err == nil {
		stateBytes = info.Size()
	}
	return summaryBytes, stateBytes
}
