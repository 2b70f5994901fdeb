package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Experiment is the immutable study configuration loaded once at startup.
// All "effective value" lookups go through the first-non-nil resolution
// chain on this type; call sites must not reimplement the fallback.
type Experiment struct {
	BatchID               string            `json:"batch_id"`
	DefaultPerItemSeconds int               `json:"default_per_item_seconds"`
	AllowResume           bool              `json:"allow_resume"`
	Subsets               map[string]Subset `json:"subsets"`
	Modes                 map[string]Mode   `json:"modes"`
	Groups                map[string]Group  `json:"groups"`
}

// Subset identifies a set of case images. Match is a filename prefix that
// selects the subset's cases inside a mode's image directory; an empty
// Match means every image in the directory belongs to the subset.
type Subset struct {
	Name      string `json:"name"`
	CaseCount int    `json:"case_count"`
	Match     string `json:"match,omitempty"`
}

// Mode describes one presentation condition (e.g. with or without AI hint).
type Mode struct {
	Name               string `json:"name"`
	AIAssisted         bool   `json:"ai_assisted"`
	ImageDir           string `json:"image_dir"`
	TaskMarkdown       string `json:"task_markdown"`
	GuidelinesMarkdown string `json:"guidelines_markdown"`
	Randomize          bool   `json:"randomize"`
	PerItemSeconds     *int   `json:"per_item_seconds,omitempty"`
}

// Stage references one (subset, mode) segment of a group's sequence.
type Stage struct {
	SubsetID string `json:"subset_id"`
	ModeID   string `json:"mode_id"`
	Label    string `json:"label,omitempty"`
}

// Group assigns participants an ordered stage sequence and timeout policy.
type Group struct {
	Name           string  `json:"name"`
	Stages         []Stage `json:"stages"`
	PerItemSeconds *int    `json:"per_item_seconds,omitempty"`
	HardTimeout    bool    `json:"hard_timeout"`
	SoftTimeout    bool    `json:"soft_timeout"`
	Quota          *int    `json:"quota,omitempty"`
}

// ImageEntry is one case image as presented to the client.
type ImageEntry struct {
	ImageID  string `json:"image_id"`
	Filename string `json:"filename"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
}

// Load reads and validates the experiment configuration from a JSON file.
// The returned value is read-only for the process lifetime.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment config: %w", err)
	}
	var exp Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parse experiment config: %w", err)
	}
	if err := exp.validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment config: %w", err)
	}
	return &exp, nil
}

func (e *Experiment) validate() error {
	if strings.TrimSpace(e.BatchID) == "" {
		return fmt.Errorf("batch_id is required")
	}
	if e.DefaultPerItemSeconds == 0 {
		e.DefaultPerItemSeconds = 60
	}
	if e.DefaultPerItemSeconds < 1 {
		return fmt.Errorf("default_per_item_seconds must be >= 1")
	}
	for gid, g := range e.Groups {
		for i, st := range g.Stages {
			if _, ok := e.Subsets[st.SubsetID]; !ok {
				return fmt.Errorf("group %q stage %d references unknown subset %q", gid, i, st.SubsetID)
			}
			if _, ok := e.Modes[st.ModeID]; !ok {
				return fmt.Errorf("group %q stage %d references unknown mode %q", gid, i, st.ModeID)
			}
		}
	}
	return nil
}

// EffectivePerItemSeconds resolves the per-item time limit for a group/mode
/// pairing: group override, then mode override, then the global default.
func (e *Experiment) EffectivePerItemSeconds(groupID, modeID string) int {
	if g, ok := e.Groups[groupID]; ok && g.PerItemSeconds != nil {
		return *g.PerItemSeconds
	}
	if m, ok := e.Modes[modeID]; ok && m.PerItemSeconds != nil {
		return *m.PerItemSeconds
	}
	return e.DefaultPerItemSeconds
}

// ResolveImageDir returns the image directory for a mode. Absolute paths are
// used as-is; relative paths are joined under imageRoot and must stay inside it.
func (e *Experiment) ResolveImageDir(imageRoot, modeID string) (string, error) {
	m, ok := e.Modes[modeID]
	if !ok {
		return "", fmt.Errorf("unknown mode %q", modeID)
	}
	dir := m.ImageDir
	if dir == "" {
		dir = modeID
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir), nil
	}
	root, err := filepath.Abs(imageRoot)
	if err != nil {
		return "", fmt.Errorf("resolve image root: %w", err)
	}
	joined := filepath.Clean(filepath.Join(root, dir))
	if rel, err := filepath.Rel(root, joined); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("image dir %q escapes image root", m.ImageDir)
	}
	return joined, nil
}

// ModeImages enumerates the case images of a subset+mode pairing, sorted by
// filename. An empty subsetID lists the whole mode directory.
func (e *Experiment) ModeImages(imageRoot, modeID, subsetID string) ([]ImageEntry, error) {
	dir, err := e.ResolveImageDir(imageRoot, modeID)
	if err != nil {
		return nil, err
	}
	match := ""
	if subsetID != "" {
		sub, ok := e.Subsets[subsetID]
		if !ok {
			return nil, fmt.Errorf("unknown subset %q", subsetID)
		}
		match = sub.Match
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list images for mode %q: %w", modeID, err)
	}
	out := []ImageEntry{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		if match != "" && !strings.HasPrefix(name, match) {
			continue
		}
		imageID := strings.TrimSuffix(name, filepath.Ext(name))
		out = append(out, ImageEntry{
			ImageID:  imageID,
			Filename: name,
			Title:    displayTitle(imageID),
			URL:      "/images/" + modeID + "/" + name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func displayTitle(imageID string) string {
	words := strings.Split(strings.ReplaceAll(imageID, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
