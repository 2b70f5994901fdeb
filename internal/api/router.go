package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/imagetrial/internal/config"
	"github.com/perceptlab/imagetrial/internal/middleware"
	"github.com/perceptlab/imagetrial/internal/services"
	"github.com/perceptlab/imagetrial/internal/utils"
)

// Router wires the study endpoints onto a mux and translates service errors
// into HTTP responses with localized, actionable messages.
type Router struct {
	store        Store
	cfg          *config.Experiment
	imageRoot    string
	ipHashSecret string
	sessions     *services.SessionService
	export       *services.ExportService
	logger       zerolog.Logger
}

// RouterOptions collects the collaborators a Router needs.
type RouterOptions struct {
	Store        Store
	Config       *config.Experiment
	ImageRoot    string
	IPHashSecret string
	Snapshots    services.SnapshotWriter
	Logger       zerolog.Logger
}

func NewRouter(opts RouterOptions) *Router {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	export := services.NewExportService(store, opts.Config)
	return &Router{
		store:        store,
		cfg:          opts.Config,
		imageRoot:    opts.ImageRoot,
		ipHashSecret: opts.IPHashSecret,
		sessions:     services.NewSessionService(store, opts.Config, opts.ImageRoot, opts.Snapshots),
		export:       export,
		logger:       opts.Logger,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/config", rt.handleConfig)          // GET
	mux.HandleFunc("/api/session/start", rt.handleStart)    // POST
	mux.HandleFunc("/api/record", rt.handleRecord)          // POST
	mux.HandleFunc("/api/session/finish", rt.handleFinish)  // POST
	mux.HandleFunc("/api/export/csv", rt.handleExportCSV)   // GET
	mux.HandleFunc("/images/", rt.handleImage)              // GET
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps a service error onto a status code and a localized
// message the client can show as-is.
func (rt *Router) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	locale := middleware.LocaleFromContext(r.Context())
	if ie, ok := services.AsIncompleteSessionError(err); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "incomplete_session",
			"remaining": ie.Remaining,
			"message":   utils.T(locale, "session.incomplete"),
		})
		return
	}
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusBadRequest
		key := "record.invalid_payload"
		switch se.Code {
		case services.ErrorConfig:
			key = "session.cannot_start"
		case services.ErrorInvalidItem:
			key = "record.invalid_item"
		case services.ErrorNotFound:
			status = http.StatusNotFound
			key = "session.not_found"
		}
		writeJSON(w, status, map[string]any{
			"error":   string(se.Code),
			"detail":  se.Message,
			"message": utils.T(locale, key),
		})
		return
	}
	rt.logger.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type configGroupOut struct {
	GroupID        string           `json:"group_id"`
	Name           string           `json:"name"`
	Stages         []configStageOut `json:"stages"`
	PerItemSeconds *int             `json:"per_item_seconds"`
	HardTimeout    bool             `json:"hard_timeout"`
	SoftTimeout    bool             `json:"soft_timeout"`
	Quota          *int             `json:"quota"`
}

type configStageOut struct {
	SubsetID string `json:"subset_id"`
	ModeID   string `json:"mode_id"`
	Label    string `json:"label,omitempty"`
}

type configModeOut struct {
	ModeID             string              `json:"mode_id"`
	Name               string              `json:"name"`
	AIAssisted         bool                `json:"ai_assisted"`
	TaskMarkdown       string              `json:"task_markdown"`
	GuidelinesMarkdown string              `json:"guidelines_markdown"`
	Randomize          bool                `json:"randomize"`
	PerItemSeconds     *int                `json:"per_item_seconds"`
	Images             []config.ImageEntry `json:"images"`
}

type configSubsetOut struct {
	SubsetID  string `json:"subset_id"`
	Name      string `json:"name"`
	CaseCount int    `json:"case_count"`
}

// GET /api/config
func (rt *Router) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	groups := make([]configGroupOut, 0, len(rt.cfg.Groups))
	for gid, g := range rt.cfg.Groups {
		stages := make([]configStageOut, 0, len(g.Stages))
		for _, st := range g.Stages {
			stages = append(stages, configStageOut{SubsetID: st.SubsetID, ModeID: st.ModeID, Label: st.Label})
		}
		groups = append(groups, configGroupOut{
			GroupID:        gid,
			Name:           g.Name,
			Stages:         stages,
			PerItemSeconds: g.PerItemSeconds,
			HardTimeout:    g.HardTimeout,
			SoftTimeout:    g.SoftTimeout,
			Quota:          g.Quota,
		})
	}
	modes := make([]configModeOut, 0, len(rt.cfg.Modes))
	for mid, m := range rt.cfg.Modes {
		images, err := rt.cfg.ModeImages(rt.imageRoot, mid, "")
		if err != nil {
			rt.logger.Warn().Err(err).Str("mode", mid).Msg("list mode images")
		}
		if images == nil {
			images = []config.ImageEntry{}
		}
		modes = append(modes, configModeOut{
			ModeID:             mid,
			Name:               m.Name,
			AIAssisted:         m.AIAssisted,
			TaskMarkdown:       m.TaskMarkdown,
			GuidelinesMarkdown: m.GuidelinesMarkdown,
			Randomize:          m.Randomize,
			PerItemSeconds:     m.PerItemSeconds,
			Images:             images,
		})
	}
	subsets := make([]configSubsetOut, 0, len(rt.cfg.Subsets))
	for sid, sub := range rt.cfg.Subsets {
		subsets = append(subsets, configSubsetOut{SubsetID: sid, Name: sub.Name, CaseCount: sub.CaseCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":                 rt.cfg.BatchID,
		"default_per_item_seconds": rt.cfg.DefaultPerItemSeconds,
		"allow_resume":             rt.cfg.AllowResume,
		"groups":                   groups,
		"modes":                    modes,
		"subsets":                  subsets,
	})
}

type stageOut struct {
	StageIndex     int    `json:"stage_index"`
	SubsetID       string `json:"subset_id"`
	ModeID         string `json:"mode_id"`
	Label          string `json:"label,omitempty"`
	TotalItems     int    `json:"total_items"`
	PerItemSeconds int    `json:"per_item_seconds"`
}

type itemOut struct {
	ImageID    string `json:"image_id"`
	Filename   string `json:"filename"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	OrderIndex int    `json:"order_index"`
	StageIndex int    `json:"stage_index"`
	SubsetID   string `json:"subset_id"`
	ModeID     string `json:"mode_id"`
}

// POST /api/session/start
func (rt *Router) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ParticipantID   string `json:"participant_id"`
		ParticipantRole string `json:"participant_role"`
		GroupID         string `json:"group_id"`
		UserAgent       string `json:"user_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeServiceError(w, r, services.NewInvalidError(err.Error()))
		return
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.Header.Get("User-Agent")
	}
	res, err := rt.sessions.StartSession(services.StartSessionRequest{
		ParticipantID:   req.ParticipantID,
		ParticipantRole: req.ParticipantRole,
		GroupID:         req.GroupID,
		UserAgent:       userAgent,
		IPHash:          utils.HashIP(rt.ipHashSecret, utils.ClientIP(r)),
	})
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	stages := make([]stageOut, 0, len(res.Stages))
	for _, st := range res.Stages {
		stages = append(stages, stageOut{
			StageIndex:     st.Index,
			SubsetID:       st.SubsetID,
			ModeID:         st.ModeID,
			Label:          st.Label,
			TotalItems:     st.TotalItems,
			PerItemSeconds: rt.cfg.EffectivePerItemSeconds(res.Session.GroupID, st.ModeID),
		})
	}
	items := make([]itemOut, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, itemOut{
			ImageID:    it.ImageID,
			Filename:   it.Filename,
			Title:      it.Title,
			URL:        it.URL,
			OrderIndex: it.OrderIndex,
			StageIndex: it.StageIndex,
			SubsetID:   it.SubsetID,
			ModeID:     it.ModeID,
		})
	}
	group := rt.cfg.Groups[res.Session.GroupID]
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     res.Session.ID,
		"batch_id":       res.Session.BatchID,
		"group_id":       res.Session.GroupID,
		"participant_id": res.Session.ParticipantID,
		"stages":         stages,
		"items":          items,
		"resumed":        res.Resumed,
		"allow_resume":   rt.cfg.AllowResume,
		"hard_timeout":   group.HardTimeout,
		"soft_timeout":   group.SoftTimeout,
	})
}

// POST /api/record
func (rt *Router) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID       string     `json:"session_id"`
		ImageID         string     `json:"image_id"`
		Answer          string     `json:"answer"`
		OrderIndex      *int       `json:"order_index"`
		ElapsedMSItem   *int64     `json:"elapsed_ms_item"`
		ElapsedMSGlobal *int64     `json:"elapsed_ms_global"`
		Skipped         bool       `json:"skipped"`
		ItemTimeout     bool       `json:"item_timeout"`
		TSClient        *time.Time `json:"ts_client"`
		UserAgent       string     `json:"user_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeServiceError(w, r, services.NewInvalidError(err.Error()))
		return
	}
	if req.Answer == "" {
		rt.writeServiceError(w, r, services.NewInvalidError("answer is required"))
		return
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.Header.Get("User-Agent")
	}
	err := rt.sessions.SubmitRecord(services.SubmitRecordRequest{
		SessionID:       req.SessionID,
		ImageID:         req.ImageID,
		Answer:          req.Answer,
		OrderIndex:      req.OrderIndex,
		ElapsedMSItem:   req.ElapsedMSItem,
		ElapsedMSGlobal: req.ElapsedMSGlobal,
		Skipped:         req.Skipped,
		ItemTimeout:     req.ItemTimeout,
		TSClient:        req.TSClient,
		UserAgent:       userAgent,
		IPHash:          utils.HashIP(rt.ipHashSecret, utils.ClientIP(r)),
	})
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// POST /api/session/finish
func (rt *Router) handleFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID      string `json:"session_id"`
		TotalElapsedMS *int64 `json:"total_elapsed_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeServiceError(w, r, services.NewInvalidError(err.Error()))
		return
	}
	res, err := rt.sessions.FinishSession(services.FinishSessionRequest{
		SessionID:      req.SessionID,
		TotalElapsedMS: req.TotalElapsedMS,
	})
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"already_completed": res.AlreadyCompleted,
	})
}

// GET /api/export/csv?session_id=&participant_id=&group_id=&mode_id=
func (rt *Router) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := services.ExportFilter{
		SessionID:     q.Get("session_id"),
		ParticipantID: q.Get("participant_id"),
		GroupID:       q.Get("group_id"),
		ModeID:        q.Get("mode_id"),
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="study_records.csv"`)
	if err := rt.export.WriteCSV(w, filter); err != nil {
		// headers are out already; log and truncate rather than mislabel
		rt.logger.Error().Err(err).Msg("csv export")
	}
}

// GET /images/{mode}/{filename}
func (rt *Router) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/images/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	modeID, filename := parts[0], parts[1]
	if _, ok := rt.cfg.Modes[modeID]; !ok {
		http.NotFound(w, r)
		return
	}
	dir, err := rt.cfg.ResolveImageDir(rt.imageRoot, modeID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// reject traversal before touching the filesystem
	if filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	path := filepath.Join(dir, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}
