package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/perceptlab/imagetrial/internal/api"
	"github.com/perceptlab/imagetrial/internal/config"
	"github.com/perceptlab/imagetrial/internal/db"
	"github.com/perceptlab/imagetrial/internal/middleware"
	"github.com/perceptlab/imagetrial/internal/services"
	"github.com/perceptlab/imagetrial/internal/utils"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	var (
		addr       = flag.String("addr", utils.SafeEnv("IMAGETRIAL_ADDR", ":8080"), "listen address")
		configPath = flag.String("config", utils.SafeEnv("IMAGETRIAL_CONFIG", "config/experiment.json"), "experiment config file")
		imageRoot  = flag.String("images", utils.SafeEnv("IMAGETRIAL_IMAGE_ROOT", "images"), "image root directory")
		dbPath     = flag.String("db", utils.SafeEnv("IMAGETRIAL_DB", "data/imagetrial.db"), "sqlite database path")
	)
	flag.Parse()

	migrationsDir := os.Getenv("IMAGETRIAL_MIGRATIONS_DIR")
	exportDir := os.Getenv("IMAGETRIAL_EXPORT_DIR")
	ipHashSecret := os.Getenv("IMAGETRIAL_IP_HASH_SECRET")
	commit := os.Getenv("IMAGETRIAL_COMMIT")
	buildTime := os.Getenv("IMAGETRIAL_BUILD_TIME")

	if ipHashSecret == "" {
		logger.Warn().Msg("IMAGETRIAL_IP_HASH_SECRET not set; client addresses will not be recorded")
	}

	exp, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("load experiment config")
	}
	logger.Info().Str("batch", exp.BatchID).Int("groups", len(exp.Groups)).Msg("experiment config loaded")

	sqlDB, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dbPath).Msg("open sqlite database")
	}
	defer sqlDB.Close()
	if err := db.RunMigrations(sqlDB, migrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	store, err := db.NewStore(sqlDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("init store")
	}

	var snapshots services.SnapshotWriter
	if exportDir != "" {
		snapshots = services.NewCSVSnapshotWriter(
			services.NewExportService(store, exp),
			services.SnapshotConfig{Enabled: true, Dir: exportDir, Filename: "records.csv"},
			logger,
		)
	}

	mux := http.NewServeMux()
	api.NewRouter(api.RouterOptions{
		Store:        store,
		Config:       exp,
		ImageRoot:    *imageRoot,
		IPHashSecret: ipHashSecret,
		Snapshots:    snapshots,
		Logger:       logger,
	}).Register(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		locale := middleware.LocaleFromContext(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "Image Trial API",
			"batch":      exp.BatchID,
			"locale":     locale,
			"msg":        utils.T(locale, "health.ok"),
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	// Static frontend, when bundled alongside the API
	if staticDir := os.Getenv("IMAGETRIAL_STATIC_DIR"); staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}

	handler := middleware.RequestLogger(logger)(
		middleware.SecureHeaders(
			middleware.CORS(
				middleware.NoStoreAPI(
					middleware.LocaleMiddleware(mux)))))

	logger.Info().Str("addr", *addr).Msg("server listening")
	if err := http.ListenAndServe(*addr, handler); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
