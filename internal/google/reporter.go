package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"taskmirror/internal/config"
	"taskmirror/internal/database"
	syncengine "taskmirror/internal/sync"
)

const reportLookback = 24 * time.Hour

// Reporter mirrors the sync health summary into a Google spreadsheet so
// operators without API access can watch the mirror.
type Reporter struct {
	service *sheets.Service
	cfg     config.GoogleConfig
	db      *database.DB
	logger  zerolog.Logger
}

func NewReporter(cfg config.GoogleConfig, db *database.DB, logger zerolog.Logger) (*Reporter, error) {
	ctx := context.Background()

	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %v", err)
	}

	jwtCfg, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %v", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwtCfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %v", err)
	}

	return &Reporter{
		service: srv,
		cfg:     cfg,
		db:      db,
		logger:  logger.With().Str("component", "google_reporter").Logger(),
	}, nil
}

// TestConnection проверяет доступ к отчетной таблице
func (r *Reporter) TestConnection(ctx context.Context) error {
	_, err := r.service.Spreadsheets.Values.Get(r.cfg.ReportSheetID, r.cfg.ReportSheetTitle+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %v", err)
	}
	return nil
}

// ServiceAccountEmail returns the email the spreadsheet must be shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}

// PublishReport rewrites the report sheet from scratch with the current
// health summary and the trailing day of sync runs.
func (r *Reporter) PublishReport(ctx context.Context) error {
	now := time.Now().UTC()

	health, err := syncengine.ComputeHealth(ctx, r.db, now)
	if err != nil {
		return fmt.Errorf("compute health: %w", err)
	}
	executions, err := r.db.RecentExecutions(ctx, now.Add(-reportLookback))
	if err != nil {
		return fmt.Errorf("recent executions: %w", err)
	}

	values := [][]interface{}{
		{"Updated At", now.Format("2006-01-02 15:04:05")},
		{"Status", health.Status},
		{"Runs (24h)", health.RunsTotal},
		{"Failure Rate (24h)", fmt.Sprintf("%.2f", health.FailureRate)},
		{"Mirrored Tasks", health.TaskCount},
		{"Flagged Tasks", len(health.FlaggedTasks)},
	}
	if health.LastSyncAt != nil {
		values = append(values, []interface{}{"Last Sync", health.LastSyncAt.Format("2006-01-02 15:04:05")})
	}
	values = append(values, []interface{}{})

	headers := []interface{}{"Started", "Type", "Status", "Duration (ms)", "Added", "Updated", "Deleted", "Error"}
	values = append(values, headers)
	for _, exec := range executions {
		values = append(values, []interface{}{
			exec.StartedAt.Format("2006-01-02 15:04:05"),
			exec.Type,
			exec.Status,
			exec.DurationMS,
			exec.Added,
			exec.Updated,
			exec.Deleted,
			exec.Error,
		})
	}

	clearRange := r.cfg.ReportSheetTitle + "!A:Z"
	_, err = r.service.Spreadsheets.Values.Clear(r.cfg.ReportSheetID, clearRange, &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("unable to clear report sheet: %v", err)
	}

	valueRange := &sheets.ValueRange{Values: values}
	_, err = r.service.Spreadsheets.Values.Update(r.cfg.ReportSheetID, r.cfg.ReportSheetTitle+"!A1", valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("unable to update report sheet: %v", err)
	}

	headerRow := len(values) - len(executions) // 1-based row of the run table header
	if err := r.formatHeader(ctx, int64(headerRow-1), int64(len(headers))); err != nil {
		// Formatting is cosmetic; the data already landed.
		r.logger.Warn().Err(err).Msg("report header formatting failed")
	}

	r.logger.Info().Int("runs", len(executions)).Str("status", health.Status).Msg("published sync report")
	return nil
}

// Run publishes on a ticker until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	interval := r.cfg.ReportInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.PublishReport(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial report publish failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.PublishReport(ctx); err != nil {
				r.logger.Error().Err(err).Msg("report publish failed")
			}
		}
	}
}

func (r *Reporter) formatHeader(ctx context.Context, rowIndex, cols int64) error {
	sheetID, err := r.sheetIDByTitle(ctx)
	if err != nil {
		return err
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    rowIndex,
					EndRowIndex:      rowIndex + 1,
					StartColumnIndex: 0,
					EndColumnIndex:   cols,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						HorizontalAlignment: "CENTER",
						TextFormat:          &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{
							Red:   0.86,
							Green: 0.92,
							Blue:  0.97,
						},
					},
				},
				Fields: "userEnteredFormat(backgroundColor,textFormat,horizontalAlignment)",
			},
		}},
	}

	_, err = r.service.Spreadsheets.BatchUpdate(r.cfg.ReportSheetID, req).Context(ctx).Do()
	return err
}

func (r *Reporter) sheetIDByTitle(ctx context.Context) (int64, error) {
	spreadsheet, err := r.service.Spreadsheets.Get(r.cfg.ReportSheetID).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("unable to get spreadsheet: %v", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == r.cfg.ReportSheetTitle {
			return sheet.Properties.SheetId, nil
		}
	}
	return 0, fmt.Errorf("sheet '%s' not found", r.cfg.ReportSheetTitle)
}
