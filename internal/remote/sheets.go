package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"moneta/internal/core"
)

// SheetsClient exports confirmed transactions to a Google Sheets ledger.
// Upsert semantics are honored by reading the id column before appending:
// already exported ids are skipped.
type SheetsClient struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

var _ TransactionUpserter = (*SheetsClient)(nil)

// NewSheetsFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID
// Auth: GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or
// GOOGLE_APPLICATION_CREDENTIALS.
// Optional: GOOGLE_SHEET_NAME (default "Transactions").
func NewSheetsFromEnv(ctx context.Context) (*SheetsClient, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	sheetName := strings.TrimSpace(os.Getenv("GOOGLE_SHEET_NAME"))
	if sheetName == "" {
		sheetName = "Transactions"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &SheetsClient{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case serviceAccountJSON != "":
		return gsheet.NewService(ctx, goption.WithCredentialsJSON([]byte(serviceAccountJSON)))
	case serviceAccountFile != "":
		return gsheet.NewService(ctx, goption.WithCredentialsFile(serviceAccountFile))
	default:
		// Application Default Credentials as last resort
		return gsheet.NewService(ctx)
	}
}

// UpsertTransactions appends rows for ids not already present in the sheet.
func (c *SheetsClient) UpsertTransactions(ctx context.Context, txs []core.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	existing, err := c.existingIDs(ctx)
	if err != nil {
		return fmt.Errorf("read existing ids: %w", err)
	}

	var rows [][]interface{}
	for _, tx := range txs {
		if _, ok := existing[tx.ID]; ok {
			continue
		}
		rows = append(rows, []interface{}{
			tx.ID,
			tx.Date.String(),
			tx.Description,
			tx.Amount.Units(),
			tx.Category,
			string(tx.Type),
		})
	}

	if len(rows) == 0 {
		slog.InfoContext(ctx, "All transactions already exported", "count", len(txs))
		return nil
	}

	valueRange := &gsheet.ValueRange{Values: rows}
	_, err = c.svc.Spreadsheets.Values.
		Append(c.spreadsheetID, c.sheetName+"!A:F", valueRange).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append rows: %w", err)
	}

	slog.InfoContext(ctx, "Exported transactions to sheet",
		"appended", len(rows),
		"skipped", len(txs)-len(rows),
		"sheet", c.sheetName)
	return nil
}

func (c *SheetsClient) existingIDs(ctx context.Context) (map[string]struct{}, error) {
	resp, err := c.svc.Spreadsheets.Values.
		Get(c.spreadsheetID, c.sheetName+"!A:A").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(resp.Values))
	for _, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok && id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}
