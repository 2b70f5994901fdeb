package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perceptlab/imagetrial/internal/config"
	"github.com/perceptlab/imagetrial/internal/models"
)

type ErrorCode string

const (
	ErrorConfig      ErrorCode = "config"
	ErrorInvalid     ErrorCode = "invalid"
	ErrorInvalidItem ErrorCode = "invalid_item"
	ErrorNotFound    ErrorCode = "not_found"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewConfigError(msg string) error      { return &ServiceError{Code: ErrorConfig, Message: msg} }
func NewInvalidError(msg string) error     { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewInvalidItemError(msg string) error { return &ServiceError{Code: ErrorInvalidItem, Message: msg} }
func NewNotFoundError(msg string) error    { return &ServiceError{Code: ErrorNotFound, Message: msg} }

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IncompleteSessionError reports how many items still block completion.
type IncompleteSessionError struct {
	Remaining int
}

func (e *IncompleteSessionError) Error() string {
	return fmt.Sprintf("%d items are still unanswered or skipped", e.Remaining)
}

func AsIncompleteSessionError(err error) (*IncompleteSessionError, bool) {
	var ie *IncompleteSessionError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// SessionStore abstracts persistence operations required by SessionService.
type SessionStore interface {
	CreateSession(s *models.Session, stages []models.Stage, items []models.Item) error
	SessionByID(id string) (*models.Session, error)
	LatestOpenSession(participantID, groupID string) (*models.Session, error)
	StagesBySession(sessionID string) ([]models.Stage, error)
	ItemsBySession(sessionID string) ([]models.Item, error)
	ItemByImage(sessionID, imageID string) (*models.Item, error)
	UpsertRecord(rec *models.Record) error
	RecordsBySession(sessionID string) ([]models.Record, error)
	FinishSession(sessionID string, finishedAt time.Time, totalElapsedMS *int64) error
}

// SnapshotWriter rewrites the on-disk CSV artifacts after a store write.
// Implementations are best-effort and must never fail the triggering call.
type SnapshotWriter interface {
	Snapshot(participantID, sessionID string)
}

type StartSessionRequest struct {
	ParticipantID   string
	ParticipantRole string
	GroupID         string
	UserAgent       string
	IPHash          string
}

type StartSessionResult struct {
	Session *models.Session
	Stages  []models.Stage
	Items   []models.Item
	Resumed bool
}

type SubmitRecordRequest struct {
	SessionID       string
	ImageID         string
	Answer          string
	OrderIndex      *int
	ElapsedMSItem   *int64
	ElapsedMSGlobal *int64
	Skipped         bool
	ItemTimeout     bool
	TSClient        *time.Time
	UserAgent       string
	IPHash          string
}

type FinishSessionRequest struct {
	SessionID      string
	TotalElapsedMS *int64
}

type FinishSessionResult struct {
	AlreadyCompleted bool
}

// SessionService owns the server-side session lifecycle: building the item
// sequence at start, persisting answers with overwrite semantics, and gating
// completion on a substantive answer for every item.
type SessionService struct {
	store       SessionStore
	cfg         *config.Experiment
	imageRoot   string
	snapshots   SnapshotWriter
	now         func() time.Time
	idGenerator func() string
	shuffle     ShuffleFunc
}

func NewSessionService(store SessionStore, cfg *config.Experiment, imageRoot string, snapshots SnapshotWriter) *SessionService {
	return &SessionService{
		store:       store,
		cfg:         cfg,
		imageRoot:   imageRoot,
		snapshots:   snapshots,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
		shuffle:     defaultShuffle,
	}
}

// StartSession creates a new session for the participant, or re-enters the
// latest unfinished one for (participant, group) when resume is allowed.
func (s *SessionService) StartSession(req StartSessionRequest) (*StartSessionResult, error) {
	participantID := strings.TrimSpace(req.ParticipantID)
	if participantID == "" {
		return nil, NewInvalidError("participant_id is required")
	}
	if _, ok := s.cfg.Groups[req.GroupID]; !ok {
		return nil, NewConfigError(fmt.Sprintf("unknown group %q", req.GroupID))
	}

	if s.cfg.AllowResume {
		prior, err := s.store.LatestOpenSession(participantID, req.GroupID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			stages, err := s.store.StagesBySession(prior.ID)
			if err != nil {
				return nil, err
			}
			items, err := s.store.ItemsBySession(prior.ID)
			if err != nil {
				return nil, err
			}
			return &StartSessionResult{Session: prior, Stages: stages, Items: items, Resumed: true}, nil
		}
	}

	stages, items, err := BuildSequence(s.cfg, s.imageRoot, req.GroupID, s.shuffle)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:              s.idGenerator(),
		ParticipantID:   participantID,
		ParticipantRole: req.ParticipantRole,
		GroupID:         req.GroupID,
		BatchID:         s.cfg.BatchID,
		StartedAt:       s.now(),
		UserAgent:       req.UserAgent,
		IPHash:          req.IPHash,
	}
	for i := range stages {
		stages[i].SessionID = session.ID
	}
	for i := range items {
		items[i].SessionID = session.ID
	}
	if err := s.store.CreateSession(session, stages, items); err != nil {
		return nil, err
	}
	return &StartSessionResult{Session: session, Stages: stages, Items: items, Resumed: false}, nil
}

// SubmitRecord validates and persists one answer. Resubmitting the same image
// replaces the stored record; the session's item list is never modified.
func (s *SessionService) SubmitRecord(req SubmitRecordRequest) error {
	session, err := s.store.SessionByID(req.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return NewNotFoundError("session not found")
	}
	item, err := s.store.ItemByImage(req.SessionID, req.ImageID)
	if err != nil {
		return err
	}
	if item == nil {
		return NewInvalidItemError(fmt.Sprintf("image %q is not part of session", req.ImageID))
	}

	orderIndex := item.OrderIndex
	if req.OrderIndex != nil {
		orderIndex = *req.OrderIndex
	}
	rec := &models.Record{
		SessionID:       req.SessionID,
		ImageID:         req.ImageID,
		Answer:          req.Answer,
		OrderIndex:      orderIndex,
		ElapsedMSItem:   req.ElapsedMSItem,
		ElapsedMSGlobal: req.ElapsedMSGlobal,
		Skipped:         req.Skipped,
		ItemTimeout:     req.ItemTimeout,
		TSServer:        s.now(),
		TSClient:        req.TSClient,
		UserAgent:       req.UserAgent,
		IPHash:          req.IPHash,
		SubsetID:        item.SubsetID,
		StageIndex:      item.StageIndex,
		ModeID:          item.ModeID,
	}
	if err := s.store.UpsertRecord(rec); err != nil {
		return err
	}
	if s.snapshots != nil {
		s.snapshots.Snapshot(session.ParticipantID, session.ID)
	}
	return nil
}

// FinishSession marks a session completed once every item holds a substantive
// answer. Finishing an unknown or already-finished session succeeds and
// reports AlreadyCompleted, so a participant whose session vanished from the
// store is never blocked.
func (s *SessionService) FinishSession(req FinishSessionRequest) (*FinishSessionResult, error) {
	session, err := s.store.SessionByID(req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Finished() {
		return &FinishSessionResult{AlreadyCompleted: true}, nil
	}

	items, err := s.store.ItemsBySession(req.SessionID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.RecordsBySession(req.SessionID)
	if err != nil {
		return nil, err
	}
	answered := map[string]bool{}
	for i := range records {
		if records[i].Substantive() {
			answered[records[i].ImageID] = true
		}
	}
	remaining := 0
	for _, it := range items {
		if !answered[it.ImageID] {
			remaining++
		}
	}
	if remaining > 0 {
		return nil, &IncompleteSessionError{Remaining: remaining}
	}

	if err := s.store.FinishSession(req.SessionID, s.now(), req.TotalElapsedMS); err != nil {
		return nil, err
	}
	if s.snapshots != nil {
		s.snapshots.Snapshot(session.ParticipantID, session.ID)
	}
	return &FinishSessionResult{AlreadyCompleted: false}, nil
}
