package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"taskmirror/internal/database"
	"taskmirror/internal/models"
	syncengine "taskmirror/internal/sync"
)

const reportLookback = 7 * 24 * time.Hour

// Exporter renders the operator sync report as a spreadsheet: recent sync
// executions, current health, and flagged tasks.
type Exporter struct {
	db     *database.DB
	logger zerolog.Logger
}

func NewExporter(db *database.DB, logger zerolog.Logger) *Exporter {
	return &Exporter{db: db, logger: logger.With().Str("component", "export").Logger()}
}

// SyncReport builds the workbook in memory and returns its bytes with a
// dated filename.
func (e *Exporter) SyncReport(ctx context.Context) ([]byte, string, error) {
	now := time.Now().UTC()

	executions, err := e.db.RecentExecutions(ctx, now.Add(-reportLookback))
	if err != nil {
		return nil, "", fmt.Errorf("load executions: %w", err)
	}
	health, err := syncengine.ComputeHealth(ctx, e.db, now)
	if err != nil {
		return nil, "", fmt.Errorf("compute health: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeExecutionsSheet(f, executions); err != nil {
		return nil, "", err
	}
	if err := e.writeHealthSheet(ctx, f, health); err != nil {
		return nil, "", err
	}
	_ = f.DeleteSheet("Sheet1")

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("serialize workbook: %w", err)
	}

	filename := fmt.Sprintf("sync-report_%s.xlsx", now.Format("2006-01-02"))
	e.logger.Info().Int("executions", len(executions)).Str("file", filename).Msg("Sync report built")
	return buf.Bytes(), filename, nil
}

func (e *Exporter) writeExecutionsSheet(f *excelize.File, executions []models.SyncExecution) error {
	const sheet = "Sync Runs"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"Started", "Type", "Status", "Duration (ms)", "Added", "Updated", "Deleted", "Error"}
	writeHeaderRow(f, sheet, headers)

	for i, exec := range executions {
		row := i + 2
		setRow(f, sheet, row,
			exec.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			exec.Type,
			exec.Status,
			exec.DurationMS,
			exec.Added,
			exec.Updated,
			exec.Deleted,
			exec.Error,
		)
	}

	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "B", "H", 14)
	return nil
}

func (e *Exporter) writeHealthSheet(ctx context.Context, f *excelize.File, health *syncengine.HealthReport) error {
	const sheet = "Health"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	writeHeaderRow(f, sheet, []string{"Metric", "Value"})
	rows := [][2]any{
		{"Status", health.Status},
		{"Last sync age", health.LastSyncAge},
		{"Failure rate (24h)", fmt.Sprintf("%.1f%%", health.FailureRate*100)},
		{"Runs (24h)", health.RunsTotal},
		{"Running now", health.RunningCount},
		{"Mirrored tasks", health.TaskCount},
	}
	for i, pair := range rows {
		setRow(f, sheet, i+2, pair[0], pair[1])
	}

	// Flagged tasks go below the metrics with their own heading.
	start := len(rows) + 3
	cell, _ := excelize.CoordinatesToCellName(1, start)
	_ = f.SetCellValue(sheet, cell, "Flagged tasks")
	for i, id := range health.FlaggedTasks {
		entry := [2]any{id, ""}
		if task, err := e.db.GetTask(ctx, id); err == nil {
			entry[1] = task.Subject
		}
		setRow(f, sheet, start+1+i, entry[0], entry[1])
	}

	_ = f.SetColWidth(sheet, "A", "B", 24)
	return nil
}

func writeHeaderRow(f *excelize.File, sheet string, headers []string) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}

func setRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}
