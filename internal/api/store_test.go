package api

import (
	"testing"
	"time"

	"github.com/perceptlab/imagetrial/internal/models"
	"github.com/perceptlab/imagetrial/internal/services"
)

func seedSession(t *testing.T, store Store, id, participant, group string, startedAt time.Time) {
	t.Helper()
	sess := &models.Session{
		ID:            id,
		ParticipantID: participant,
		GroupID:       group,
		BatchID:       "batch-1",
		StartedAt:     startedAt,
	}
	stages := []models.Stage{
		{SessionID: id, Index: 0, SubsetID: "all", ModeID: "plain", Label: "baseline", TotalItems: 2},
	}
	items := []models.Item{
		{SessionID: id, ImageID: "case_01", Filename: "case_01.png", OrderIndex: 0, StageIndex: 0, SubsetID: "all", ModeID: "plain"},
		{SessionID: id, ImageID: "case_02", Filename: "case_02.png", OrderIndex: 1, StageIndex: 0, SubsetID: "all", ModeID: "plain"},
	}
	if err := store.CreateSession(sess, stages, items); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestMemoryStoreUpsertRecordOverwrites(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1", "p1", "g1", time.Now())

	first := &models.Record{SessionID: "s1", ImageID: "case_01", Answer: "yes", OrderIndex: 0, TSServer: time.Now()}
	if err := store.UpsertRecord(first); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	second := &models.Record{SessionID: "s1", ImageID: "case_01", Answer: "no", OrderIndex: 0, TSServer: time.Now()}
	if err := store.UpsertRecord(second); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}

	records, err := store.RecordsBySession("s1")
	if err != nil {
		t.Fatalf("RecordsBySession: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Answer != "no" {
		t.Fatalf("answer = %q, want overwrite to win", records[0].Answer)
	}
}

func TestMemoryStoreLatestOpenSession(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedSession(t, store, "old", "p1", "g1", base)
	seedSession(t, store, "new", "p1", "g1", base.Add(time.Hour))
	seedSession(t, store, "other", "p2", "g1", base.Add(2*time.Hour))

	sess, err := store.LatestOpenSession("p1", "g1")
	if err != nil {
		t.Fatalf("LatestOpenSession: %v", err)
	}
	if sess == nil || sess.ID != "new" {
		t.Fatalf("got %+v, want session new", sess)
	}

	if err := store.FinishSession("new", base.Add(2*time.Hour), nil); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	sess, err = store.LatestOpenSession("p1", "g1")
	if err != nil {
		t.Fatalf("LatestOpenSession: %v", err)
	}
	if sess == nil || sess.ID != "old" {
		t.Fatalf("got %+v, want fallback to old open session", sess)
	}
}

func TestMemoryStoreFinishSessionOnce(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1", "p1", "g1", time.Now())

	firstMS := int64(60_000)
	if err := store.FinishSession("s1", time.Now(), &firstMS); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	laterMS := int64(999_999)
	if err := store.FinishSession("s1", time.Now().Add(time.Hour), &laterMS); err != nil {
		t.Fatalf("FinishSession repeat: %v", err)
	}

	sess, err := store.SessionByID("s1")
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if sess.TotalElapsedMS == nil || *sess.TotalElapsedMS != 60_000 {
		t.Fatalf("total_elapsed_ms = %v, want first finish preserved", sess.TotalElapsedMS)
	}

	// unknown session is a no-op
	if err := store.FinishSession("missing", time.Now(), nil); err != nil {
		t.Fatalf("FinishSession unknown: %v", err)
	}
}

func TestMemoryStoreRecordsWithSessionsFilters(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedSession(t, store, "s1", "p1", "g1", base)
	seedSession(t, store, "s2", "p2", "g2", base.Add(time.Minute))

	recs := []*models.Record{
		{SessionID: "s1", ImageID: "case_02", Answer: "no", OrderIndex: 1, ModeID: "plain", TSServer: base},
		{SessionID: "s1", ImageID: "case_01", Answer: "yes", OrderIndex: 0, ModeID: "plain", TSServer: base},
		{SessionID: "s2", ImageID: "case_01", Answer: "yes", OrderIndex: 0, ModeID: "assisted", TSServer: base},
	}
	for _, rec := range recs {
		if err := store.UpsertRecord(rec); err != nil {
			t.Fatalf("UpsertRecord: %v", err)
		}
	}

	all, err := store.RecordsWithSessions(services.ExportFilter{})
	if err != nil {
		t.Fatalf("RecordsWithSessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d rows, want 3", len(all))
	}
	// ordered by session start, then order index within a session
	if all[0].Record.ImageID != "case_01" || all[0].Session.ID != "s1" {
		t.Fatalf("first row = %s/%s, want s1/case_01", all[0].Session.ID, all[0].Record.ImageID)
	}

	byGroup, err := store.RecordsWithSessions(services.ExportFilter{GroupID: "g2"})
	if err != nil {
		t.Fatalf("RecordsWithSessions: %v", err)
	}
	if len(byGroup) != 1 || byGroup[0].Session.ID != "s2" {
		t.Fatalf("group filter returned %d rows", len(byGroup))
	}

	byMode, err := store.RecordsWithSessions(services.ExportFilter{ModeID: "plain"})
	if err != nil {
		t.Fatalf("RecordsWithSessions: %v", err)
	}
	if len(byMode) != 2 {
		t.Fatalf("mode filter returned %d rows, want 2", len(byMode))
	}

	byParticipant, err := store.RecordsWithSessions(services.ExportFilter{ParticipantID: "p2"})
	if err != nil {
		t.Fatalf("RecordsWithSessions: %v", err)
	}
	if len(byParticipant) != 1 || byParticipant[0].Session.ParticipantID != "p2" {
		t.Fatalf("participant filter returned %d rows", len(byParticipant))
	}
}
