package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports logs as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports logs as JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ParseExportFormat maps a query parameter to an ExportFormat, defaulting to JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch s {
	case "", string(ExportFormatJSON):
		return ExportFormatJSON, nil
	case string(ExportFormatCSV):
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ExportOptions configures audit log export parameters.
type ExportOptions struct {
	Format ExportFormat
	Filter Filter
}

// ExportLogs exports audit logs matching the given options, newest first.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	logs, err := repo.Query(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(logs)
	}
	return exportToJSON(logs)
}

// ExportedLog is the JSON shape of an audit entry.
type ExportedLog struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	Timestamp    string         `json:"timestamp"`
	Action       string         `json:"action"`
	UserHash     string         `json:"user_hash,omitempty"`
	Details      map[string]any `json:"details"`
	IPHash       string         `json:"ip_hash,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	Hash         string         `json:"hash"`
}

// ToExported converts entries to their JSON shape.
func ToExported(logs []*AuditLog) []ExportedLog {
	out := make([]ExportedLog, len(logs))
	for i, l := range logs {
		out[i] = ExportedLog{
			ID:           l.ID,
			Seq:          l.Seq,
			Timestamp:    l.CreatedAt.Format(time.RFC3339Nano),
			Action:       l.Action,
			UserHash:     l.UserHash,
			Details:      cloneDetails(l.Details),
			IPHash:       l.IPHash,
			PreviousHash: l.PreviousHash,
			Hash:         l.Hash,
		}
	}
	return out
}

func exportToCSV(logs []*AuditLog) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Seq",
		"Timestamp (UTC)",
		"Action",
		"User Hash",
		"Details",
		"IP Hash",
		"Previous Hash",
		"Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, log := range logs {
		details, err := json.Marshal(cloneDetails(log.Details))
		if err != nil {
			return nil, fmt.Errorf("failed to encode details: %w", err)
		}
		row := []string{
			log.ID,
			fmt.Sprintf("%d", log.Seq),
			log.CreatedAt.Format(time.RFC3339),
			log.Action,
			log.UserHash,
			string(details),
			log.IPHash,
			log.PreviousHash,
			log.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(logs []*AuditLog) ([]byte, error) {
	data, err := json.MarshalIndent(ToExported(logs), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
