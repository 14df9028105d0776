// Package history provides read views over completed-flow records:
// statistics, export and reset. Records themselves are append-only and owned
// by the store.
package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/store"
)

// Stats summarizes an identity's completed flows.
type Stats struct {
	Records    int     `json:"records"`
	Flows      int     `json:"flows"`
	Won        int     `json:"won"`
	Lost       int     `json:"lost"`
	WinRate    float64 `json:"win_rate"`
	GoodGrades int     `json:"good_grades"`
	BadGrades  int     `json:"bad_grades"`
}

// Service exposes the history views.
type Service struct {
	repo store.Repository
}

// NewService creates a history service.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// List returns the identity's full history, oldest first.
func (s *Service) List(ctx context.Context, key string) ([]*domain.CompletedRecord, error) {
	return s.repo.ListRecords(ctx, key)
}

// Recent returns up to n most recent records, newest first.
func (s *Service) Recent(ctx context.Context, key string, n int) ([]*domain.CompletedRecord, error) {
	return s.repo.ListRecentRecords(ctx, key, n)
}

// Stats computes the identity's summary statistics. Flows are counted by
// distinct flow id; the outcome is shared by a flow's records.
func (s *Service) Stats(ctx context.Context, key string) (*Stats, error) {
	records, err := s.repo.ListRecords(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", key, err)
	}

	stats := &Stats{Records: len(records)}
	flows := make(map[string]domain.Outcome)
	for _, rec := range records {
		flows[rec.FlowID] = rec.Outcome
		switch rec.Grade {
		case domain.GradeGood:
			stats.GoodGrades++
		case domain.GradeBad:
			stats.BadGrades++
		}
	}

	stats.Flows = len(flows)
	for _, outcome := range flows {
		if outcome == domain.OutcomeWon {
			stats.Won++
		} else {
			stats.Lost++
		}
	}
	if stats.Flows > 0 {
		stats.WinRate = float64(stats.Won) / float64(stats.Flows)
	}
	return stats, nil
}

// Reset deletes all of the identity's records. Returns the number removed.
func (s *Service) Reset(ctx context.Context, key string) (int64, error) {
	return s.repo.DeleteHistory(ctx, key)
}

var csvHeader = []string{
	"flow_id", "category", "drawn_cell", "drawn_side",
	"played_cell", "played_side", "grade", "outcome", "stake", "seed", "recorded_at",
}

// ExportCSV streams the identity's history as CSV.
func (s *Service) ExportCSV(ctx context.Context, key string, w io.Writer) error {
	records, err := s.repo.ListRecords(ctx, key)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", key, err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.FlowID, rec.Category,
			strconv.Itoa(rec.DrawnCell), string(rec.DrawnSide),
			strconv.Itoa(rec.PlayedCell), string(rec.PlayedSide),
			string(rec.Grade), string(rec.Outcome), rec.Stake, rec.Seed,
			rec.RecordedAt.Format(time.DateTime),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON streams the identity's history as a JSON array.
func (s *Service) ExportJSON(ctx context.Context, key string, w io.Writer) error {
	records, err := s.repo.ListRecords(ctx, key)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", key, err)
	}
	if records == nil {
		records = []*domain.CompletedRecord{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return nil
}

// ImportJSON parses a previously exported JSON history and replaces the
// identity's records with it. Returns the number of records imported; on any
// parse or validation failure the existing history is left untouched.
func (s *Service) ImportJSON(ctx context.Context, key string, r io.Reader) (int, error) {
	var records []*domain.CompletedRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrImportInvalid, err)
	}
	return s.replace(ctx, key, records)
}

// ImportCSV parses a previously exported CSV history (header row included)
// and replaces the identity's records with it.
func (s *Service) ImportCSV(ctx context.Context, key string, r io.Reader) (int, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrImportInvalid, err)
	}
	if len(rows) == 0 || len(rows[0]) != len(csvHeader) {
		return 0, fmt.Errorf("%w: expected the exported column layout", domain.ErrImportInvalid)
	}

	records := make([]*domain.CompletedRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := recordFromRow(row)
		if err != nil {
			return 0, fmt.Errorf("%w: row %d: %v", domain.ErrImportInvalid, i+2, err)
		}
		records = append(records, rec)
	}
	return s.replace(ctx, key, records)
}

func recordFromRow(row []string) (*domain.CompletedRecord, error) {
	drawnCell, err := strconv.Atoi(row[2])
	if err != nil {
		return nil, fmt.Errorf("drawn cell %q", row[2])
	}
	playedCell, err := strconv.Atoi(row[4])
	if err != nil {
		return nil, fmt.Errorf("played cell %q", row[4])
	}
	recordedAt, err := time.ParseInLocation(time.DateTime, row[10], time.Local)
	if err != nil {
		return nil, fmt.Errorf("recorded_at %q", row[10])
	}
	return &domain.CompletedRecord{
		FlowID:     row[0],
		Category:   row[1],
		DrawnCell:  drawnCell,
		DrawnSide:  domain.Side(row[3]),
		PlayedCell: playedCell,
		PlayedSide: domain.Side(row[5]),
		Grade:      domain.Grade(row[6]),
		Outcome:    domain.Outcome(row[7]),
		Stake:      row[8],
		Seed:       row[9],
		RecordedAt: recordedAt,
	}, nil
}

func (s *Service) replace(ctx context.Context, key string, records []*domain.CompletedRecord) (int, error) {
	for i, rec := range records {
		if err := validateRecord(rec); err != nil {
			return 0, fmt.Errorf("%w: record %d: %v", domain.ErrImportInvalid, i+1, err)
		}
		// Imported rows always belong to the importing identity, whatever
		// the file claims.
		rec.IdentityKey = key
		rec.ID = 0
	}

	if err := s.repo.ReplaceHistory(ctx, key, records); err != nil {
		return 0, fmt.Errorf("replace history for %s: %w", key, err)
	}
	return len(records), nil
}

func validateRecord(rec *domain.CompletedRecord) error {
	if rec.FlowID == "" {
		return fmt.Errorf("missing flow id")
	}
	if rec.DrawnCell < 1 || rec.DrawnCell > 5 || rec.PlayedCell < 1 || rec.PlayedCell > 5 {
		return fmt.Errorf("cell out of range")
	}
	if !validSide(rec.DrawnSide) || !validSide(rec.PlayedSide) {
		return fmt.Errorf("unknown side")
	}
	if rec.Grade != domain.GradeGood && rec.Grade != domain.GradeBad {
		return fmt.Errorf("unknown grade %q", rec.Grade)
	}
	if rec.Outcome != domain.OutcomeWon && rec.Outcome != domain.OutcomeLost {
		return fmt.Errorf("unknown outcome %q", rec.Outcome)
	}
	return nil
}

func validSide(side domain.Side) bool {
	return side == domain.SideLeft || side == domain.SideRight
}

// ExportText streams the identity's history as readable plain text.
func (s *Service) ExportText(ctx context.Context, key string, w io.Writer) error {
	records, err := s.repo.ListRecords(ctx, key)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", key, err)
	}

	for _, rec := range records {
		_, err := fmt.Fprintf(w, "[%s] tier %s: cell %d (%s), played %d (%s), grade %s, %s, stake %s\n",
			rec.RecordedAt.Format(time.DateTime), rec.Category,
			rec.DrawnCell, rec.DrawnSide, rec.PlayedCell, rec.PlayedSide,
			rec.Grade, rec.Outcome, rec.Stake)
		if err != nil {
			return fmt.Errorf("write text row: %w", err)
		}
	}
	return nil
}
