// Package runner drives the trust pipeline over a dataset and records each
// verdict in the ledger, resuming from whatever the ledger already holds.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mining-wb/MM-TrustBench/internal/dataset"
	"github.com/mining-wb/MM-TrustBench/internal/hash"
	"github.com/mining-wb/MM-TrustBench/internal/ledger"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Processor turns one image and question into a verdict.
// *trust.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, img types.Image, question string) types.Verdict
}

// Store is the ledger as the runner sees it. *ledger.Ledger implements it.
type Store interface {
	Keys() (map[string]struct{}, ledger.ScanStats, error)
	Append(entry types.LedgerEntry) error
}

// Config tunes a Runner. The zero value runs sequentially.
type Config struct {
	ImageDir string
	Workers  int
	RunID    string
	Metrics  *Metrics
	Now      func() time.Time
}

// AnswerCounts tallies the final answers appended in one run.
type AnswerCounts struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Refused int `json:"refused"`
}

// Summary is the outcome of one Run.
type Summary struct {
	RunID       string        `json:"run_id"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	AlreadyDone int           `json:"already_done"`
	Duplicates  int           `json:"duplicates"`
	Missing     int           `json:"missing"`
	Answers     AnswerCounts  `json:"answers"`
	Elapsed     time.Duration `json:"elapsed_ns"`

	// InvalidRows counts dataset rows rejected before the run. Run never
	// sets it; the caller that loaded the dataset does.
	InvalidRows int `json:"invalid_rows"`
}

// Runner evaluates items at most once each across the lifetime of a ledger.
type Runner struct {
	pipeline Processor
	store    Store
	imageDir string
	workers  int
	runID    string
	metrics  *Metrics
	now      func() time.Time
	logger   *zap.Logger
}

func New(cfg Config, pipeline Processor, store Store, logger *zap.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		pipeline: pipeline,
		store:    store,
		imageDir: cfg.ImageDir,
		workers:  cfg.Workers,
		runID:    cfg.RunID,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		logger:   logger.With(zap.String("run_id", cfg.RunID)),
	}
}

// RunID identifies this runner's entries in the ledger.
func (r *Runner) RunID() string { return r.runID }

// Run evaluates every item whose identity key is not yet in the ledger.
// Item-level problems are logged and counted; only a ledger failure or
// cancellation ends the run early, and in both cases no partial entry is
// written.
func (r *Runner) Run(ctx context.Context, items []types.QuestionItem) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: r.runID, Total: len(items)}

	done, stats, err := r.store.Keys()
	if err != nil {
		return sum, fmt.Errorf("load resume state: %w", err)
	}
	r.logger.Info("resuming from ledger",
		zap.Int("recorded", len(done)),
		zap.Int("malformed_lines", stats.Malformed),
		zap.Int("items", len(items)),
		zap.Int("workers", r.workers))

	var mu sync.Mutex
	count := func(fn func(*Summary)) {
		mu.Lock()
		fn(&sum)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	dispatched := make(map[string]struct{}, len(items))
	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		key, err := ledger.Key(item)
		if err != nil {
			r.logger.Warn("skipping item", zap.Int("index", i+1), zap.String("reason", "no identity"), zap.Error(err))
			count(func(s *Summary) { s.Missing++ })
			r.metrics.item(OutcomeMissing)
			continue
		}
		if _, ok := done[key]; ok {
			count(func(s *Summary) { s.AlreadyDone++ })
			r.metrics.item(OutcomeAlreadyDone)
			continue
		}
		if _, ok := dispatched[key]; ok {
			r.logger.Debug("duplicate item", zap.Int("index", i+1), zap.String("key", key))
			count(func(s *Summary) { s.Duplicates++ })
			r.metrics.item(OutcomeDuplicate)
			continue
		}
		dispatched[key] = struct{}{}

		index := i + 1
		g.Go(func() error {
			return r.evaluate(gctx, index, len(items), key, item, count)
		})
	}
	err = g.Wait()
	sum.Elapsed = time.Since(start)
	if err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (r *Runner) evaluate(ctx context.Context, index, total int, key string, item types.QuestionItem, count func(func(*Summary))) error {
	if ctx.Err() != nil {
		return nil
	}
	log := r.logger.With(zap.Int("index", index), zap.Int("total", total), zap.String("key", key))
	began := time.Now()

	path, err := dataset.ResolveImage(item, r.imageDir)
	if err != nil {
		log.Warn("skipping item", zap.String("reason", "no image reference"))
		count(func(s *Summary) { s.Missing++ })
		r.metrics.item(OutcomeMissing)
		return nil
	}
	img, err := dataset.LoadImage(path)
	if err != nil {
		log.Warn("skipping item", zap.String("reason", "image unavailable"), zap.String("path", path), zap.Error(err))
		count(func(s *Summary) { s.Missing++ })
		r.metrics.item(OutcomeMissing)
		return nil
	}

	verdict := r.pipeline.Process(ctx, img, item.Question)
	if ctx.Err() != nil {
		log.Debug("discarding result after cancellation")
		r.metrics.item(OutcomeDiscarded)
		return nil
	}

	entry := types.LedgerEntry{
		Item:        item,
		Verdict:     verdict,
		IdentityKey: key,
		RunID:       r.runID,
		EvaluatedAt: r.now().UTC().Format(time.RFC3339),
		ImageSHA256: hash.DigestBytes(img.Data),
	}
	if err := r.store.Append(entry); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}

	count(func(s *Summary) {
		s.Processed++
		switch verdict.Answer {
		case types.AnswerYes:
			s.Answers.Yes++
		case types.AnswerNo:
			s.Answers.No++
		default:
			s.Answers.Refused++
		}
	})
	r.metrics.item(OutcomeProcessed)
	r.metrics.answer(verdict.Answer, time.Since(began))
	log.Info("evaluated", zap.String("answer", string(verdict.Answer)))
	return nil
}
