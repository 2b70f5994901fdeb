package engine

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// SnapshotVersion guards the persisted shape. Bump it whenever the snapshot
// layout changes; older checkpoints are discarded rather than patched.
const SnapshotVersion = 2

// SnapshotStage is the minimal stage shape kept in the checkpoint so a loaded
// snapshot can be schema-validated against the current session layout.
type SnapshotStage struct {
	SubsetID   string `json:"subset_id"`
	ModeID     string `json:"mode_id"`
	TotalItems int    `json:"total_items"`
}

// Snapshot is the client-local persisted state: it is a resumption hint, not
// server-authoritative data.
type Snapshot struct {
	Version       int               `json:"version"`
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	GroupID       string            `json:"group_id"`
	Stages        []SnapshotStage   `json:"stages"`
	Pointer       int               `json:"pointer"`
	GlobalStart   time.Time         `json:"global_start"`
	ItemStart     time.Time         `json:"item_start"`
	Answers       map[string]Answer `json:"answers"`
}

// Valid reports whether the snapshot matches the current schema. A snapshot
// without a stage list predates the staged layout and must not be restored.
func (s *Snapshot) Valid() bool {
	return s != nil && s.Version == SnapshotVersion && s.SessionID != "" && len(s.Stages) > 0
}

// Checkpointer persists engine snapshots between page loads.
type Checkpointer interface {
	Save(snap *Snapshot) error
	// Load returns nil without error when no valid checkpoint exists;
	// invalid checkpoints are cleared, never partially recovered.
	Load() (*Snapshot, error)
	Clear() error
}

// FileCheckpointer keeps the snapshot as a single JSON file.
type FileCheckpointer struct {
	Path string
}

func NewFileCheckpointer(path string) *FileCheckpointer {
	return &FileCheckpointer{Path: path}
}

func (c *FileCheckpointer) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o644)
}

func (c *FileCheckpointer) Load() (*Snapshot, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = c.Clear()
		return nil, nil
	}
	if !snap.Valid() {
		_ = c.Clear()
		return nil, nil
	}
	return &snap, nil
}

func (c *FileCheckpointer) Clear() error {
	err := os.Remove(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
