package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a file that failed validation into dataDir/rejected/,
// timestamped so repeated failures of the same filename do not collide.
// Returns the quarantine path. Callers log the move; this package carries
// no logger.
func Quarantine(dataDir, filePath string) (string, error) {
	rejectedDir := filepath.Join(dataDir, "rejected")
	if err := os.MkdirAll(rejectedDir, 0755); err != nil {
		return "", fmt.Errorf("create rejected dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	rejectedName := fmt.Sprintf("%s.%s.rejected", baseName, timestamp)
	rejectedPath := filepath.Join(rejectedDir, rejectedName)

	if err := os.Rename(filePath, rejectedPath); err != nil {
		return "", fmt.Errorf("move to rejected: %w", err)
	}

	return rejectedPath, nil
}

// RestoreFromBackup replaces filePath with its .bak sibling, validating the
// backup first. Used for the daemon config when a write was interrupted.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	return nil
}
