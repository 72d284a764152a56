// Package streamscore applies a trained lookalike model to the whole identity
// graph. Profiles are read in ascending id blocks by a single producer,
// scored by a bounded worker pool, and appended to the score store one
// transaction per block. A checkpoint records the highest profile id below
// which every block is committed, so an interrupted run resumes from there.
package streamscore

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/lookalike/internal/features"
	"github.com/sells-group/lookalike/internal/identity"
	"github.com/sells-group/lookalike/internal/metrics"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/regress"
	"github.com/sells-group/lookalike/internal/resilience"
	"github.com/sells-group/lookalike/internal/store"
)

var (
	// ErrBlockProcessing is returned when a block could not be fetched or
	// scored within the retry budget.
	ErrBlockProcessing = eris.New("streamscore: block processing failed")
	// ErrPersistence is returned when scores or the checkpoint could not be
	// written within the retry budget.
	ErrPersistence = eris.New("streamscore: persistence failed")
)

// Config is the immutable scoring configuration.
type Config struct {
	// BlockSize is the number of profiles per block. Default: 5000.
	BlockSize int
	// Concurrency bounds the blocks in flight. Default: 4.
	Concurrency int
	// Retry applies to every block fetch and every block write.
	Retry resilience.RetryConfig
	// MaxBlocksPerSecond throttles block fetches. Zero disables throttling.
	MaxBlocksPerSecond float64
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		BlockSize:   5000,
		Concurrency: 4,
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// Store is the persistence the scorer needs.
type Store interface {
	store.ModelStore
	store.ScoreStore
}

// Result summarizes one Score call.
type Result struct {
	// ResumedFrom is the checkpoint watermark the run started after.
	ResumedFrom   int64 `json:"resumed_from"`
	Blocks        int64 `json:"blocks"`
	Profiles      int64 `json:"profiles"`
	Inserted      int64 `json:"inserted"`
	LastProfileID int64 `json:"last_profile_id"`
}

// Scorer streams the identity graph through a lookalike model.
type Scorer struct {
	graph   identity.Graph
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// New creates a Scorer. m may be nil.
func New(graph identity.Graph, st Store, cfg Config, m *metrics.Metrics) *Scorer {
	def := DefaultConfig()
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	s := &Scorer{graph: graph, store: st, cfg: cfg, metrics: m}
	if cfg.MaxBlocksPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBlocksPerSecond), 1)
	}
	return s
}

// Score records a predicted score for every profile of the graph that is
// not yet covered by the job's checkpoint. The model must already be stored;
// otherwise store.ErrModelNotFound is returned.
//
// Cancelling ctx stops the run between blocks. Blocks already handed to a
// worker still commit, and the returned error wraps ctx.Err().
func (s *Scorer) Score(ctx context.Context, lookalikeID string, proj *features.Projector) (*Result, error) {
	log := zap.L().With(zap.String("lookalike_id", lookalikeID))

	m, err := s.loadModel(ctx, lookalikeID, proj)
	if err != nil {
		return nil, err
	}

	cp, err := resilience.DoVal(ctx, s.retry("checkpoint", lookalikeID), func(ctx context.Context) (*model.Checkpoint, error) {
		return s.store.GetCheckpoint(ctx, lookalikeID)
	})
	if err != nil {
		return nil, eris.Wrapf(ErrPersistence, "load checkpoint %s: %v", lookalikeID, err)
	}

	tr := &tracker{lookalikeID: lookalikeID, next: 0, done: map[int64]block{}}
	if cp != nil {
		tr.committed = *cp
	} else {
		tr.committed = model.Checkpoint{LookalikeID: lookalikeID}
	}
	res := &Result{ResumedFrom: tr.committed.LastProfileID}
	log.Info("streamscore: starting",
		zap.Int64("resume_after", res.ResumedFrom),
		zap.Int("block_size", s.cfg.BlockSize),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	columns := proj.Columns()

	// Workers run detached from ctx so an in-flight block is never cut short
	// by cancellation. A worker failure still stops the others.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.cfg.Concurrency)

	var (
		after    = res.ResumedFrom
		fetchErr error
		waitErr  error
	)
	for seq := int64(0); ; seq++ {
		if ctx.Err() != nil || gctx.Err() != nil {
			break
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				// Wait fails early when the deadline is closer than the next
				// token, before ctx itself is done.
				if ctx.Err() == nil {
					waitErr = eris.Wrapf(context.DeadlineExceeded, "streamscore: throttle after profile %d: %v", after, err)
				}
				break
			}
		}

		profiles, err := resilience.DoVal(gctx, s.retry("fetch", lookalikeID), func(ctx context.Context) ([]model.IdentityProfile, error) {
			return s.graph.ScanBlock(ctx, after, s.cfg.BlockSize, columns)
		})
		if err != nil {
			if gctx.Err() == nil {
				fetchErr = eris.Wrapf(ErrBlockProcessing, "fetch after profile %d: %v", after, err)
			}
			break
		}
		if len(profiles) == 0 {
			break
		}

		b := block{seq: seq, after: after, lastID: profiles[len(profiles)-1].ID, size: int64(len(profiles))}
		after = b.lastID
		res.Blocks++
		res.Profiles += b.size

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			inserted, err := s.processBlock(gctx, lookalikeID, m, proj, b, profiles)
			if err != nil {
				s.metrics.BlockFailed()
				return err
			}
			tr.addInserted(inserted)
			return tr.commit(gctx, b, func(ctx context.Context, cp model.Checkpoint) error {
				return resilience.Do(ctx, s.retry("checkpoint", lookalikeID), func(ctx context.Context) error {
					return s.store.SaveCheckpoint(ctx, cp)
				})
			})
		})
	}

	werr := g.Wait()
	res.Inserted = tr.inserted
	res.LastProfileID = tr.watermark()

	switch {
	case werr != nil:
		log.Error("streamscore: failed", zap.Int64("watermark", res.LastProfileID), zap.Error(werr))
		return res, werr
	case fetchErr != nil:
		s.metrics.BlockFailed()
		log.Error("streamscore: failed", zap.Int64("watermark", res.LastProfileID), zap.Error(fetchErr))
		return res, fetchErr
	case waitErr != nil:
		log.Info("streamscore: deadline reached", zap.Int64("watermark", res.LastProfileID), zap.Error(waitErr))
		return res, waitErr
	case ctx.Err() != nil:
		log.Info("streamscore: cancelled", zap.Int64("watermark", res.LastProfileID))
		return res, eris.Wrapf(ctx.Err(), "streamscore: cancelled %s", lookalikeID)
	}

	log.Info("streamscore: complete",
		zap.Int64("blocks", res.Blocks),
		zap.Int64("profiles", res.Profiles),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("watermark", res.LastProfileID),
	)
	return res, nil
}

// loadModel fetches and decodes the job's model and checks it against the
// projector's columns.
func (s *Scorer) loadModel(ctx context.Context, lookalikeID string, proj *features.Projector) (*regress.Model, error) {
	stored, err := resilience.DoVal(ctx, s.retry("model", lookalikeID), func(ctx context.Context) (*model.LookalikeModel, error) {
		return s.store.LoadModel(ctx, lookalikeID)
	})
	if err != nil {
		return nil, eris.Wrap(err, "streamscore: load model")
	}
	m, err := regress.Decode(stored.Blob, stored.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "streamscore: decode model %s", lookalikeID)
	}
	if err := m.CheckColumns(proj.Columns()); err != nil {
		return nil, eris.Wrapf(err, "streamscore: model %s", lookalikeID)
	}
	return m, nil
}

// processBlock projects, predicts and appends one block.
func (s *Scorer) processBlock(ctx context.Context, lookalikeID string, m *regress.Model, proj *features.Projector, b block, profiles []model.IdentityProfile) (int64, error) {
	start := time.Now()

	scores, err := ScoreBlock(lookalikeID, m, proj, profiles)
	if err != nil {
		return 0, eris.Wrapf(ErrBlockProcessing, "block %d after profile %d: %v", b.seq, b.after, err)
	}

	inserted, err := resilience.DoVal(ctx, s.retry("append", lookalikeID), func(ctx context.Context) (int64, error) {
		return s.store.AppendScores(ctx, lookalikeID, scores)
	})
	if err != nil {
		return 0, eris.Wrapf(ErrPersistence, "block %d after profile %d: %v", b.seq, b.after, err)
	}

	s.metrics.BlockCommitted(inserted, time.Since(start))
	zap.L().Debug("streamscore: block committed",
		zap.String("lookalike_id", lookalikeID),
		zap.Int64("block", b.seq),
		zap.Int64("last_profile_id", b.lastID),
		zap.Int64("inserted", inserted),
	)
	return inserted, nil
}

// ScoreBlock projects profiles through proj and predicts them with m. The
// output is a pure function of its inputs.
func ScoreBlock(lookalikeID string, m *regress.Model, proj *features.Projector, profiles []model.IdentityProfile) ([]model.LookalikeScore, error) {
	rows := make([][]string, len(profiles))
	for i := range profiles {
		rows[i] = proj.Project(&profiles[i])
	}
	preds, err := m.PredictBatch(rows)
	if err != nil {
		return nil, err
	}
	scores := make([]model.LookalikeScore, len(profiles))
	for i, p := range profiles {
		scores[i] = model.LookalikeScore{LookalikeID: lookalikeID, ProfileID: p.ID, Score: preds[i]}
	}
	return scores, nil
}

func (s *Scorer) retry(operation, lookalikeID string) resilience.RetryConfig {
	cfg := s.cfg.Retry
	logRetry := resilience.RetryLogger("streamscore", operation, zap.String("lookalike_id", lookalikeID))
	cfg.OnRetry = func(attempt int, err error) {
		s.metrics.IncrementRetry(operation)
		logRetry(attempt, err)
	}
	return cfg
}

// block identifies one scan window: profiles with after < id <= lastID.
type block struct {
	seq    int64
	after  int64
	lastID int64
	size   int64
}

// tracker advances the checkpoint over the contiguous prefix of committed
// blocks. Blocks finish out of order; a block is only covered by the
// checkpoint once every earlier block has committed too.
type tracker struct {
	lookalikeID string

	mu        sync.Mutex
	next      int64
	done      map[int64]block
	committed model.Checkpoint
	inserted  int64
}

func (t *tracker) addInserted(n int64) {
	t.mu.Lock()
	t.inserted += n
	t.mu.Unlock()
}

func (t *tracker) watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed.LastProfileID
}

// commit marks b done and saves the checkpoint if the prefix grew. Saves
// happen under the lock so they reach the store in watermark order.
func (t *tracker) commit(ctx context.Context, b block, save func(context.Context, model.Checkpoint) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done[b.seq] = b
	next := t.committed
	advanced := false
	for {
		d, ok := t.done[t.next]
		if !ok {
			break
		}
		delete(t.done, t.next)
		t.next++
		next.LastProfileID = d.lastID
		next.BlocksDone++
		next.ProfilesScored += d.size
		advanced = true
	}
	if !advanced {
		return nil
	}
	next.LookalikeID = t.lookalikeID
	if err := save(ctx, next); err != nil {
		return eris.Wrapf(ErrPersistence, "checkpoint at profile %d: %v", next.LastProfileID, err)
	}
	t.committed = next
	return nil
}
