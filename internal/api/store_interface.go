package api

import (
	"time"

	"github.com/perceptlab/imagetrial/internal/models"
	"github.com/perceptlab/imagetrial/internal/services"
)

// Store is the durable session/record persistence contract. Both the
// in-memory store and the SQLite store satisfy it; the service layer depends
// only on the narrow slices it declares itself.
type Store interface {
	CreateSession(s *models.Session, stages []models.Stage, items []models.Item) error
	SessionByID(id string) (*models.Session, error)
	LatestOpenSession(participantID, groupID string) (*models.Session, error)
	StagesBySession(sessionID string) ([]models.Stage, error)
	ItemsBySession(sessionID string) ([]models.Item, error)
	ItemByImage(sessionID, imageID string) (*models.Item, error)

	UpsertRecord(rec *models.Record) error
	RecordsBySession(sessionID string) ([]models.Record, error)
	FinishSession(sessionID string, finishedAt time.Time, totalElapsedMS *int64) error

	RecordsWithSessions(f services.ExportFilter) ([]services.RecordJoin, error)
}

var _ Store = (*memoryStore)(nil)
