package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
  "batch_id": "batch-1",
  "default_per_item_seconds": 45,
  "allow_resume": true,
  "subsets": {
    "sub_a": {"name": "Subset A", "case_count": 3, "match": "a_"},
    "sub_b": {"name": "Subset B", "case_count": 2}
  },
  "modes": {
    "plain": {"name": "Unassisted", "image_dir": "plain", "randomize": false},
    "assisted": {"name": "AI Assisted", "ai_assisted": true, "image_dir": "assisted", "randomize": true, "per_item_seconds": 30}
  },
  "groups": {
    "g1": {
      "name": "Group 1",
      "hard_timeout": true,
      "soft_timeout": false,
      "stages": [
        {"subset_id": "sub_a", "mode_id": "plain", "label": "baseline"},
        {"subset_id": "sub_b", "mode_id": "assisted", "label": "with ai"}
      ]
    },
    "g2": {"name": "Group 2", "per_item_seconds": 20, "soft_timeout": true, "stages": [{"subset_id": "sub_a", "mode_id": "assisted"}]}
  }
}`

func TestLoadValid(t *testing.T) {
	exp, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exp.BatchID != "batch-1" {
		t.Fatalf("batch id = %q, want batch-1", exp.BatchID)
	}
	if len(exp.Groups["g1"].Stages) != 2 {
		t.Fatalf("g1 stages = %d, want 2", len(exp.Groups["g1"].Stages))
	}
}

func TestLoadRejectsUnknownStageRefs(t *testing.T) {
	bad := `{"batch_id":"b","groups":{"g":{"name":"g","stages":[{"subset_id":"missing","mode_id":"plain"}]}},"modes":{"plain":{"name":"p"}},"subsets":{}}`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatalf("expected error for unresolved subset reference")
	}
}

func TestLoadRequiresBatchID(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"batch_id":" "}`)); err == nil {
		t.Fatalf("expected error for missing batch_id")
	}
}

func TestEffectivePerItemSeconds(t *testing.T) {
	exp, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	// group override wins
	if got := exp.EffectivePerItemSeconds("g2", "assisted"); got != 20 {
		t.Fatalf("group override = %d, want 20", got)
	}
	// mode override next
	if got := exp.EffectivePerItemSeconds("g1", "assisted"); got != 30 {
		t.Fatalf("mode override = %d, want 30", got)
	}
	// global default last
	if got := exp.EffectivePerItemSeconds("g1", "plain"); got != 45 {
		t.Fatalf("global default = %d, want 45", got)
	}
}

func TestModeImagesSubsetMatch(t *testing.T) {
	exp, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	root := t.TempDir()
	dir := filepath.Join(root, "plain")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"a_case_one.png", "a_case_two.jpg", "b_other.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}

	images, err := exp.ModeImages(root, "plain", "sub_a")
	if err != nil {
		t.Fatalf("ModeImages returned error: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("images = %d, want 2 (prefix a_ only)", len(images))
	}
	if images[0].ImageID != "a_case_one" || images[0].Title != "A Case One" {
		t.Fatalf("unexpected first entry: %+v", images[0])
	}
	if images[0].URL != "/images/plain/a_case_one.png" {
		t.Fatalf("url = %q", images[0].URL)
	}

	all, err := exp.ModeImages(root, "plain", "")
	if err != nil {
		t.Fatalf("ModeImages returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered images = %d, want 3", len(all))
	}
}

func TestResolveImageDirRejectsEscape(t *testing.T) {
	exp := &Experiment{
		BatchID: "b",
		Modes:   map[string]Mode{"evil": {Name: "evil", ImageDir: "../outside"}},
	}
	if _, err := exp.ResolveImageDir(t.TempDir(), "evil"); err == nil {
		t.Fatalf("expected error for dir escaping image root")
	}
}
