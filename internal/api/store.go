package api

import (
	"sort"
	"sync"
	"time"

	"github.com/perceptlab/imagetrial/internal/models"
	"github.com/perceptlab/imagetrial/internal/services"
)

// memoryStore keeps all study data in process memory. It backs tests and
// small single-site deployments; production uses the SQLite store. The
// per-session record map makes the overwrite invariant hold deterministically
// under concurrent submissions for the same session: last writer by server
// receipt wins under the store lock.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	stages   map[string][]models.Stage
	items    map[string][]models.Item
	byImage  map[string]map[string]*models.Item
	records  map[string]map[string]*models.Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: map[string]*models.Session{},
		stages:   map[string][]models.Stage{},
		items:    map[string][]models.Item{},
		byImage:  map[string]map[string]*models.Item{},
		records:  map[string]map[string]*models.Record{},
	}
}

func (s *memoryStore) CreateSession(sess *models.Session, stages []models.Stage, items []models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.stages[sess.ID] = append([]models.Stage(nil), stages...)
	s.items[sess.ID] = append([]models.Item(nil), items...)
	idx := make(map[string]*models.Item, len(items))
	for i := range s.items[sess.ID] {
		it := &s.items[sess.ID][i]
		idx[it.ImageID] = it
	}
	s.byImage[sess.ID] = idx
	return nil
}

func (s *memoryStore) SessionByID(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memoryStore) LatestOpenSession(participantID, groupID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Session
	for _, sess := range s.sessions {
		if sess.ParticipantID != participantID || sess.GroupID != groupID || sess.Finished() {
			continue
		}
		if latest == nil || sess.StartedAt.After(latest.StartedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memoryStore) StagesBySession(sessionID string) ([]models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Stage(nil), s.stages[sessionID]...), nil
}

func (s *memoryStore) ItemsBySession(sessionID string) ([]models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Item(nil), s.items[sessionID]...), nil
}

func (s *memoryStore) ItemByImage(sessionID, imageID string) (*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.byImage[sessionID][imageID]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (s *memoryStore) UpsertRecord(rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rec.SessionID] == nil {
		s.records[rec.SessionID] = map[string]*models.Record{}
	}
	cp := *rec
	s.records[rec.SessionID][rec.ImageID] = &cp
	return nil
}

func (s *memoryStore) RecordsBySession(sessionID string) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Record, 0, len(s.records[sessionID]))
	for _, r := range s.records[sessionID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (s *memoryStore) FinishSession(sessionID string, finishedAt time.Time, totalElapsedMS *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Finished() {
		return nil
	}
	at := finishedAt
	sess.FinishedAt = &at
	sess.TotalElapsedMS = totalElapsedMS
	return nil
}

func (s *memoryStore) RecordsWithSessions(f services.ExportFilter) ([]services.RecordJoin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.sessions[ids[i]], s.sessions[ids[j]]
		if a.StartedAt.Equal(b.StartedAt) {
			return a.ID < b.ID
		}
		return a.StartedAt.Before(b.StartedAt)
	})

	out := []services.RecordJoin{}
	for _, id := range ids {
		sess := s.sessions[id]
		if f.SessionID != "" && sess.ID != f.SessionID {
			continue
		}
		if f.ParticipantID != "" && sess.ParticipantID != f.ParticipantID {
			continue
		}
		if f.GroupID != "" && sess.GroupID != f.GroupID {
			continue
		}
		recs := make([]*models.Record, 0, len(s.records[id]))
		for _, r := range s.records[id] {
			recs = append(recs, r)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].OrderIndex < recs[j].OrderIndex })
		for _, r := range recs {
			if f.ModeID != "" && r.ModeID != f.ModeID {
				continue
			}
			out = append(out, services.RecordJoin{Record: *r, Session: *sess})
		}
	}
	return out, nil
}
