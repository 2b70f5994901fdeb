package services

import (
	"io"

	"github.com/perceptlab/imagetrial/internal/config"
	"github.com/perceptlab/imagetrial/internal/models"
)

// ExportFilter narrows an export to one session, participant, group, or mode.
// Empty fields match everything.
type ExportFilter struct {
	SessionID     string
	ParticipantID string
	GroupID       string
	ModeID        string
}

// RecordJoin pairs a record with its owning session for export.
type RecordJoin struct {
	Record  models.Record
	Session models.Session
}

// ExportStore lists records joined with sessions, ordered by session start
// time then order index.
type ExportStore interface {
	RecordsWithSessions(f ExportFilter) ([]RecordJoin, error)
}

// ExportService renders matching records as CSV with configuration labels
// resolved where possible; unresolvable ids fall back to the raw value.
type ExportService struct {
	store ExportStore
	cfg   *config.Experiment
}

func NewExportService(store ExportStore, cfg *config.Experiment) *ExportService {
	return &ExportService{store: store, cfg: cfg}
}

func (s *ExportService) WriteCSV(w io.Writer, f ExportFilter) error {
	joins, err := s.store.RecordsWithSessions(f)
	if err != nil {
		return err
	}
	rows := make([]ExportRow, 0, len(joins))
	for _, j := range joins {
		rows = append(rows, ExportRow{
			Record:      j.Record,
			Session:     j.Session,
			StageLabel:  s.stageLabel(j.Session.GroupID, j.Record.StageIndex),
			SubsetLabel: s.subsetLabel(j.Record.SubsetID),
			ModeLabel:   s.modeLabel(j.Record.ModeID),
		})
	}
	return WriteRecordsCSV(w, rows)
}

func (s *ExportService) stageLabel(groupID string, stageIndex int) string {
	if g, ok := s.cfg.Groups[groupID]; ok && stageIndex >= 0 && stageIndex < len(g.Stages) {
		if lbl := g.Stages[stageIndex].Label; lbl != "" {
			return lbl
		}
	}
	return ""
}

func (s *ExportService) subsetLabel(subsetID string) string {
	if sub, ok := s.cfg.Subsets[subsetID]; ok && sub.Name != "" {
		return sub.Name
	}
	return subsetID
}

func (s *ExportService) modeLabel(modeID string) string {
	if m, ok := s.cfg.Modes[modeID]; ok && m.Name != "" {
		return m.Name
	}
	return modeID
}
