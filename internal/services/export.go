package services

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/perceptlab/imagetrial/internal/models"
)

// ExportHeader is the stable CSV column order. Longitudinal analysis depends
// on it; append new columns, never reorder.
var ExportHeader = []string{
	"session_id",
	"participant_id",
	"participant_role",
	"group_id",
	"mode_id",
	"stage_index",
	"stage_label",
	"subset_id",
	"subset_label",
	"mode_label",
	"batch_id",
	"image_id",
	"answer",
	"order_index",
	"elapsed_ms_item",
	"elapsed_ms_global",
	"skipped",
	"item_timeout",
	"ts_server",
	"ts_client",
	"user_agent",
	"ip_hash",
	"started_at",
	"finished_at",
	"total_elapsed_ms",
}

// ExportRow is one record joined with its session and resolved labels.
type ExportRow struct {
	Record      models.Record
	Session     models.Session
	StageLabel  string
	SubsetLabel string
	ModeLabel   string
}

// WriteRecordsCSV renders rows to w in the stable column order.
func WriteRecordsCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(csvFields(row)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvFields(row ExportRow) []string {
	r, s := row.Record, row.Session
	return []string{
		s.ID,
		s.ParticipantID,
		s.ParticipantRole,
		s.GroupID,
		r.ModeID,
		strconv.Itoa(r.StageIndex),
		row.StageLabel,
		r.SubsetID,
		row.SubsetLabel,
		row.ModeLabel,
		s.BatchID,
		r.ImageID,
		r.Answer,
		strconv.Itoa(r.OrderIndex),
		formatInt64Ptr(r.ElapsedMSItem),
		formatInt64Ptr(r.ElapsedMSGlobal),
		formatBool(r.Skipped),
		formatBool(r.ItemTimeout),
		formatTime(&r.TSServer),
		formatTime(r.TSClient),
		r.UserAgent,
		r.IPHash,
		formatTime(&s.StartedAt),
		formatTime(s.FinishedAt),
		formatInt64Ptr(s.TotalElapsedMS),
	}
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
