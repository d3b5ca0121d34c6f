package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/mdflow/audit"
	"github.com/c360studio/mdflow/processor/scheduler"
)

// auditSummaryAction writes the daily audit summary for the previous UTC day.
func auditSummaryAction(auditRoot string, logger *slog.Logger) scheduler.ActionFunc {
	summarizer := audit.NewSummarizer(auditRoot)
	return func(ctx context.Context, name string, entry scheduler.Entry) error {
		day := time.Now().UTC().AddDate(0, 0, -1)
		path, err := summarizer.WriteDailySummary(day)
		if err != nil {
			return err
		}
		logger.Info("Audit summary written", "day", day.Format("2006-01-02"), "path", path)
		return nil
	}
}

// auditPruneAction removes audit partitions past their retention windows.
func auditPruneAction(auditRoot string, logger *slog.Logger) scheduler.ActionFunc {
	policy := audit.DefaultRetention()
	return func(ctx context.Context, name string, entry scheduler.Entry) error {
		pruned, err := audit.Prune(auditRoot, policy, time.Now().UTC(), logger)
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Info("Audit partitions pruned", "count", pruned)
		}
		return nil
	}
}
