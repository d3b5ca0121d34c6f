package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionPolicy declares how long each category's partitions are kept.
type RetentionPolicy map[Category]time.Duration

// DefaultRetention returns the declared per-category retention windows.
func DefaultRetention() RetentionPolicy {
	day := 24 * time.Hour
	return RetentionPolicy{
		CategoryMCPCall:       30 * day,
		CategoryTaskLifecycle: 90 * day,
		CategoryAgentDecision: 90 * day,
		CategoryRetry:         90 * day,
		CategoryFailure:       180 * day,
		CategorySystem:        365 * day,
	}
}

// Prune removes month partition directories older than the category's
// retention window. A month directory is pruned when the whole month is past
// the cutoff. Returns the number of directories removed.
func Prune(root string, policy RetentionPolicy, now time.Time, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pruned := 0
	for category, maxAge := range policy {
		cutoff := now.UTC().Add(-maxAge)
		dir := filepath.Join(root, string(category))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return pruned, fmt.Errorf("list partitions for %s: %w", category, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			month, err := time.Parse("2006-01", entry.Name())
			if err != nil {
				continue
			}
			// End of the partition's month.
			monthEnd := month.AddDate(0, 1, 0)
			if monthEnd.After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				logger.Warn("Failed to prune audit partition", "path", path, "error", err)
				continue
			}
			pruned++
			logger.Info("Pruned audit partition", "category", category, "month", entry.Name())
		}
	}
	return pruned, nil
}
