package services

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// SnapshotConfig controls the on-disk CSV artifacts rewritten after every
// accepted record and on finish.
type SnapshotConfig struct {
	Enabled  bool
	Dir      string
	Filename string // stem + extension, e.g. "records.csv"
}

// CSVSnapshotWriter maintains a per-session CSV and a per-participant
// consolidated CSV under the export directory. All failures are logged and
// swallowed: the authoritative store write must never depend on export.
type CSVSnapshotWriter struct {
	export *ExportService
	conf   SnapshotConfig
	logger zerolog.Logger
}

func NewCSVSnapshotWriter(export *ExportService, conf SnapshotConfig, logger zerolog.Logger) *CSVSnapshotWriter {
	if conf.Filename == "" {
		conf.Filename = "records.csv"
	}
	return &CSVSnapshotWriter{export: export, conf: conf, logger: logger}
}

// Snapshot rewrites both artifacts for the given participant and session.
func (w *CSVSnapshotWriter) Snapshot(participantID, sessionID string) {
	if !w.conf.Enabled {
		return
	}
	if sessionID != "" {
		w.write(ExportFilter{SessionID: sessionID}, sessionID)
	}
	if participantID != "" {
		w.write(ExportFilter{ParticipantID: participantID}, participantID)
	}
}

func (w *CSVSnapshotWriter) write(f ExportFilter, part string) {
	if err := os.MkdirAll(w.conf.Dir, 0o755); err != nil {
		w.logger.Warn().Err(err).Str("dir", w.conf.Dir).Msg("csv snapshot: create export dir")
		return
	}
	ext := filepath.Ext(w.conf.Filename)
	stem := strings.TrimSuffix(w.conf.Filename, ext)
	if stem == "" {
		stem = "records"
	}
	if ext == "" {
		ext = ".csv"
	}
	path := filepath.Join(w.conf.Dir, stem+"_"+SanitizeFilePart(part)+ext)

	file, err := os.Create(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("csv snapshot: create file")
		return
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			w.logger.Warn().Err(cerr).Str("path", path).Msg("csv snapshot: close file")
		}
	}()
	if err := w.export.WriteCSV(file, f); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("csv snapshot: write")
	}
}

// SanitizeFilePart lowercases a value and strips everything unsafe for a
// filename component.
func SanitizeFilePart(v string) string {
	lower := strings.ToLower(strings.ReplaceAll(v, " ", "-"))
	var b strings.Builder
	for _, c := range lower {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return lower
	}
	return out
}
