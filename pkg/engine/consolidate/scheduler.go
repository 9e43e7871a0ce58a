// Package consolidate runs the periodic consolidation and forgetting cycle
// over a memory engine.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johncui/engram/pkg/model"
)

// ErrAlreadyRunning is returned by Run while another Run loop is active.
var ErrAlreadyRunning = errors.New("consolidation loop already running")

// State is the scheduler lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Memory is the slice of the memory engine consolidation needs.
type Memory interface {
	RecentEpisodes(ctx context.Context, limit int) ([]model.Episode, error)
	AddFact(ctx context.Context, f model.Fact) (model.Fact, error)
	Forget(ctx context.Context, maxFacts int) (int, error)
	PruneEpisodes(ctx context.Context) (int, error)
}

// Config tunes a Scheduler. Zero values get defaults.
type Config struct {
	Tag      string        // digest tag, default "daily"
	Window   int           // episodes summarized per tick, default 200
	MaxFacts int           // semantic capacity; <= 0 disables forgetting
	Interval time.Duration // sleep between loop ticks, default 1h
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Scheduler summarizes recent episodes once per tag and calendar day and
// enforces semantic capacity on every tick.
type Scheduler struct {
	mem        Memory
	summarizer model.Summarizer
	log        model.DistillationLog
	dedup      model.DedupTracker
	cfg        Config

	// tickMu serializes ticks so the dedup check and mark cannot interleave.
	tickMu sync.Mutex

	mu      sync.Mutex
	state   State
	looping bool
	stopCh  chan struct{}
}

func New(mem Memory, summarizer model.Summarizer, dlog model.DistillationLog, dedup model.DedupTracker, cfg Config) *Scheduler {
	if cfg.Tag == "" {
		cfg.Tag = "daily"
	}
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Scheduler{
		mem:        mem,
		summarizer: summarizer,
		log:        dlog,
		dedup:      dedup,
		cfg:        cfg,
		state:      Idle,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run ticks, then sleeps Interval, until Stop is called or ctx is done. A tick
// already in progress when Stop is called runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	stop, err := s.begin()
	if err != nil {
		return err
	}
	return s.loop(ctx, stop)
}

// Start launches the loop in the background. It fails with ErrAlreadyRunning
// when a loop is active; otherwise the returned channel receives the loop's
// exit error once it stops.
func (s *Scheduler) Start(ctx context.Context) (<-chan error, error) {
	stop, err := s.begin()
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.loop(ctx, stop)
	}()
	return done, nil
}

func (s *Scheduler) begin() (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.looping {
		return nil, ErrAlreadyRunning
	}
	s.looping = true
	s.state = Running
	s.stopCh = make(chan struct{})
	return s.stopCh, nil
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) error {
	defer func() {
		s.mu.Lock()
		s.looping = false
		s.state = Stopped
		s.stopCh = nil
		s.mu.Unlock()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			s.cfg.Logger.Info("consolidation loop stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.Tick(ctx)

		timer.Reset(s.cfg.Interval)
		select {
		case <-timer.C:
		case <-stop:
		case <-ctx.Done():
		}
	}
}

// Stop asks a running loop to exit before its next tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.looping || s.state != Running {
		return
	}
	s.state = Stopping
	close(s.stopCh)
}

// Tick runs one consolidation and forgetting cycle. It never returns an
// error; failures are reported in the result.
func (s *Scheduler) Tick(ctx context.Context) model.ConsolidationResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	// A direct tick on an idle scheduler shows as running until it returns.
	s.mu.Lock()
	direct := !s.looping && s.state == Idle
	if direct {
		s.state = Running
	}
	s.mu.Unlock()
	if direct {
		defer func() {
			s.mu.Lock()
			if !s.looping {
				s.state = Idle
			}
			s.mu.Unlock()
		}()
	}

	res := s.consolidate(ctx)

	var errs []string
	if res.Error != "" {
		errs = append(errs, res.Error)
	}
	forgotten, err := s.mem.Forget(ctx, s.cfg.MaxFacts)
	if err != nil {
		s.cfg.Logger.Error("forgetting failed", "key", res.Key, "err", err)
		errs = append(errs, err.Error())
	}
	res.FactsForgotten = forgotten

	pruned, err := s.mem.PruneEpisodes(ctx)
	if err != nil {
		s.cfg.Logger.Error("episode pruning failed", "key", res.Key, "err", err)
		errs = append(errs, err.Error())
	}
	res.EpisodesPruned = pruned

	if len(errs) > 0 {
		res.OK = false
		res.Error = strings.Join(errs, "; ")
	}
	return res
}

type distillation struct {
	RunID     string       `json:"run_id"`
	Tag       string       `json:"tag"`
	Date      string       `json:"date"`
	Summary   string       `json:"summary"`
	Facts     []model.Fact `json:"facts,omitempty"`
	Episodes  []int64      `json:"episodes,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// consolidate summarizes, dedups and writes. Errors and panics from the
// collaborators become a failed result.
func (s *Scheduler) consolidate(ctx context.Context) (res model.ConsolidationResult) {
	now := s.cfg.Now().In(s.cfg.Location)
	date := now.Format("2006-01-02")
	res = model.ConsolidationResult{
		RunID: uuid.NewString(),
		Key:   fmt.Sprintf("%s:%s", s.cfg.Tag, date),
	}
	logger := s.cfg.Logger.With("run_id", res.RunID, "key", res.Key)

	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Error = fmt.Sprintf("consolidation panic: %v", r)
			logger.Error("consolidation failed", "err", res.Error)
		}
	}()

	fail := func(err error) model.ConsolidationResult {
		logger.Error("consolidation failed", "err", err)
		res.OK = false
		res.Error = err.Error()
		return res
	}

	episodes, err := s.mem.RecentEpisodes(ctx, s.cfg.Window)
	if err != nil {
		return fail(fmt.Errorf("load recent episodes: %w", err))
	}
	summary, err := s.summarizer.Summarize(ctx, s.cfg.Tag, episodes)
	if err != nil {
		return fail(fmt.Errorf("summarize: %w", err))
	}
	if summary == nil {
		summary = &model.Summary{}
	}

	done, err := s.dedup.Has(ctx, res.Key)
	if err != nil {
		return fail(fmt.Errorf("dedup check: %w", err))
	}
	if done {
		logger.Info("consolidation already written, skipping")
		res.OK = true
		res.Skipped = true
		return res
	}

	payload := distillation{
		RunID:     res.RunID,
		Tag:       s.cfg.Tag,
		Date:      date,
		Summary:   summary.Text,
		Facts:     summary.Facts,
		Episodes:  summary.Episodes,
		CreatedAt: now,
	}
	if err := s.log.Write(ctx, fmt.Sprintf("distill/%s/%s", s.cfg.Tag, date), payload); err != nil {
		return fail(fmt.Errorf("write distillation: %w", err))
	}
	for _, f := range summary.Facts {
		if _, err := s.mem.AddFact(ctx, f); err != nil {
			return fail(fmt.Errorf("write fact: %w", err))
		}
		res.FactsWritten++
	}
	if err := s.dedup.Mark(ctx, res.Key); err != nil {
		return fail(fmt.Errorf("mark %s: %w", res.Key, err))
	}

	logger.Info("consolidation written", "episodes", len(episodes), "facts", res.FactsWritten)
	res.OK = true
	return res
}
