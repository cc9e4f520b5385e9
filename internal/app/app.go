package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	docfeature "corpusd/features/document"
	"corpusd/features/job"
	"corpusd/features/query"
	"corpusd/features/reconcilehttp"
	"corpusd/features/stats"
	wstore "corpusd/internal/adapter/weaviate"
	"corpusd/internal/answer"
	"corpusd/internal/config"
	"corpusd/internal/document"
	"corpusd/internal/fetcher"
	"corpusd/internal/ingest"
	"corpusd/internal/middleware"
	"corpusd/internal/reconcile"
	"corpusd/internal/retrieval"
)

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

// Embedder is the upstream embedding client, shared by ingestion and
// retrieval so both sides always carry the same version tag.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Version() string
}

type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type App struct {
	Handler     http.Handler
	Coordinator *ingest.Coordinator
	Consumer    *ingest.Consumer

	port int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	vecStore *wstore.Store,
	taskPub TaskPublisher,
	embedder Embedder,
	generator Generator,
) (*App, error) {
	docRepo := document.NewPostgresRepo(db)
	jobRepo := job.NewPostgresRepo(db)

	// Ingestion pipeline
	fetchClient := fetcher.New(fetcher.Config{
		Timeout: cfg.FetchTimeout(),
		RPS:     cfg.FetchRPS,
		Burst:   cfg.FetchBurst,
	})
	coordinator := ingest.NewCoordinator(
		&fetcherAdapter{client: fetchClient},
		embedder,
		docRepo,
		vecStore,
		ingest.Config{MaxTokens: cfg.ChunkMaxTokens, OverlapTokens: cfg.ChunkOverlapTokens},
	)
	consumer := ingest.NewConsumer(coordinator, jobRepo)

	// Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(embedder, vecStore, docRepo, queryLogger, cfg.RetrievalTopK)
	answerService := answer.NewService(retrievalService, generator)

	// Features
	docService := docfeature.NewService(docRepo, vecStore, taskPub)
	docHandler := docfeature.NewHandler(docService)

	jobService := job.NewService(jobRepo, taskPub)
	jobHandler := job.NewHandler(jobService)

	queryHandler := query.NewHandler(retrievalService, answerService, query.Defaults{
		MaxChunksPerDocument: cfg.MaxChunksPerDocument,
		StrictHydration:      cfg.StrictHydration,
	})
	statsHandler := stats.NewHandler(docRepo, jobRepo, vecStore)
	reconcileHandler := reconcilehttp.NewHandler(reconcile.NewSweeper(docRepo, vecStore))

	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(docHandler.Create)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(docHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Delete)))
	mux.Handle("POST /documents/{id}/resync", middleware.CorrelationID(enableCORS(docHandler.ReSync)))

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(queryHandler.Query)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))
	mux.Handle("POST /reconcile", middleware.CorrelationID(enableCORS(reconcileHandler.Sweep)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:     mux,
		Coordinator: coordinator,
		Consumer:    consumer,
		port:        cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// fetcherAdapter narrows the HTTP fetcher to what the coordinator consumes.
type fetcherAdapter struct {
	client *fetcher.Client
}

func (a *fetcherAdapter) Fetch(ctx context.Context, url string) (*ingest.FetchedContent, error) {
	res, err := a.client.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return &ingest.FetchedContent{
		URL:       res.URL,
		Title:     res.Title,
		Text:      res.Text,
		Headings:  res.Headings,
		FetchedAt: res.FetchedAt,
	}, nil
}
