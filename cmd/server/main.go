package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/johncui/engram/pkg/embed"
	"github.com/johncui/engram/pkg/engine/consolidate"
	"github.com/johncui/engram/pkg/engine/distill"
	"github.com/johncui/engram/pkg/engine/journal"
	"github.com/johncui/engram/pkg/model"
	"github.com/johncui/engram/pkg/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := store.NewMemoryEngine(ctx, store.Options{
		DBPath:            cfg.DBPath,
		QuarantineCorrupt: cfg.QuarantineCorrupt,
		MaxEpisodes:       cfg.MaxEpisodes,
		CacheEntries:      cfg.CacheEntries,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init engine: %v", err)
	}
	defer engine.Close()
	if q := engine.Quarantined(); q != nil {
		logger.Warn("started on a fresh store", "quarantined_to", q.QuarantinedTo)
	}

	markers, err := journal.OpenMarkerFile(filepath.Join(cfg.DistillDir, "markers.json"))
	if err != nil {
		log.Fatalf("failed to open dedup markers: %v", err)
	}

	var (
		summarizer model.Summarizer      = distill.NewHeuristic()
		embedder   model.EmbeddingClient = store.NewHashEmbedder(cfg.VectorDim)
	)
	if cfg.OpenAIKey != "" {
		summarizer = distill.NewOpenAISummarizer(distill.OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.ChatModel,
		})
		embedder = embed.NewOpenAIEmbedder(embed.Config{
			APIKey:     cfg.OpenAIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.VectorDim,
		})
	}

	sched := consolidate.New(engine, summarizer, journal.NewFileLog(cfg.DistillDir), markers, consolidate.Config{
		Tag:      cfg.ConsolidationTag,
		Window:   cfg.SummaryWindow,
		MaxFacts: cfg.MaxFacts,
		Interval: cfg.ConsolidationEvery,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(ctx, engine, sched, embedder, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("starting engram server", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

type recordResponse struct {
	EpisodeID int64  `json:"episode_id"`
	Warning   string `json:"warning,omitempty"`
}

type recallRequest struct {
	Query  string    `json:"query"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

func newRouter(base context.Context, engine *store.MemoryEngine, sched *consolidate.Scheduler, embedder model.EmbeddingClient, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/episodes", func(w http.ResponseWriter, req *http.Request) {
		var in model.RecordInput
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Embedding runs before the engine is touched so no store lock is held
		// during the remote call.
		if len(in.Embedding) == 0 && in.Text != "" {
			vec, err := embedder.EmbedText(req.Context(), in.Text)
			if err != nil {
				logger.Warn("embedding failed, recording without vector", "err", err)
			} else {
				in.Embedding = vec
			}
		}
		res, err := engine.Record(req.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, recordResponse{EpisodeID: res.EpisodeID, Warning: res.Warning()})
	})

	r.Post("/recall", func(w http.ResponseWriter, req *http.Request) {
		var in recallRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if in.K <= 0 {
			in.K = 5
		}
		if len(in.Vector) == 0 {
			vec, err := embedder.EmbedText(req.Context(), in.Query)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			in.Vector = vec
		}
		res, err := engine.Recall(req.Context(), in.Vector, in.K)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
	})

	r.Get("/facts", func(w http.ResponseWriter, req *http.Request) {
		q := model.FactQuery{
			Subject:   optional(req, "subject"),
			Predicate: optional(req, "predicate"),
			Object:    optional(req, "object"),
		}
		if v := req.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				q.Limit = n
			}
		}
		res, err := engine.Facts(req.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
	})

	r.Post("/facts", func(w http.ResponseWriter, req *http.Request) {
		var f model.Fact
		if err := json.NewDecoder(req.Body).Decode(&f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			http.Error(w, "confidence must be within [0,1]", http.StatusBadRequest)
			return
		}
		f.ID, f.Timestamp = 0, 0
		res, err := engine.AddFact(req.Context(), f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
	})

	r.Route("/consolidation", func(r chi.Router) {
		r.Post("/tick", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, sched.Tick(req.Context()))
		})
		r.Post("/start", func(w http.ResponseWriter, _ *http.Request) {
			done, err := sched.Start(base)
			if err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			go func() {
				if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("consolidation loop exited", "err", err)
				}
			}()
			w.WriteHeader(http.StatusAccepted)
		})
		r.Post("/stop", func(w http.ResponseWriter, _ *http.Request) {
			sched.Stop()
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]string{"state": sched.State().String()})
		})
	})

	return r
}

func optional(req *http.Request, key string) *string {
	if !req.URL.Query().Has(key) {
		return nil
	}
	v := req.URL.Query().Get(key)
	return &v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
