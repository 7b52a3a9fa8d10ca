package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/idxr-io/idxr/internal/model"
)

// Format selects the export encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// ParseFormat maps a query value to a format, defaulting to JSON
// lines.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON, FormatJSONL:
		return Format(s), nil
	case "":
		return FormatJSONL, nil
	default:
		return "", model.NewError(model.ErrInvalidInput, fmt.Sprintf("unknown export format %q", s))
	}
}

func export(ctx context.Context, results *Results, id uuid.UUID, format Format, w io.Writer) error {
	switch format {
	case FormatCSV:
		return exportCSV(ctx, results, id, w)
	case FormatJSON:
		return exportJSON(ctx, results, id, w)
	default:
		return exportJSONL(ctx, results, id, w)
	}
}

var csvHeader = []string{
	"record_id", "identity_id", "confidence", "match_type", "status", "error", "processing_time_ms",
}

func exportCSV(ctx context.Context, results *Results, id uuid.UUID, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("batch: export csv: %w", err)
	}
	err := results.All(ctx, id, func(out model.RecordOutcome) error {
		conf := ""
		if out.Confidence != nil {
			conf = strconv.FormatFloat(*out.Confidence, 'f', 4, 64)
		}
		return cw.Write([]string{
			out.RecordID, out.IdentityKey, conf, string(out.MatchType),
			string(out.Status), out.Error, strconv.FormatInt(out.ProcessingTimeMS, 10),
		})
	})
	if err != nil {
		return fmt.Errorf("batch: export csv: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func exportJSON(ctx context.Context, results *Results, id uuid.UUID, w io.Writer) error {
	var all []model.RecordOutcome
	err := results.All(ctx, id, func(out model.RecordOutcome) error {
		all = append(all, out)
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch: export json: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		return fmt.Errorf("batch: export json: %w", err)
	}
	return nil
}

// exportJSONL writes one outcome per line, the batch sink's native
// stream shape.
func exportJSONL(ctx context.Context, results *Results, id uuid.UUID, w io.Writer) error {
	enc := json.NewEncoder(w)
	err := results.All(ctx, id, func(out model.RecordOutcome) error {
		return enc.Encode(out)
	})
	if err != nil {
		return fmt.Errorf("batch: export jsonl: %w", err)
	}
	return nil
}
