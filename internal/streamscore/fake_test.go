package streamscore

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/store"
)

// memGraph is an in-memory identity graph supporting only block scans.
type memGraph struct {
	profiles []model.IdentityProfile
	onScan   func(afterID int64)
}

func (g *memGraph) LookupByEmail(context.Context, string) (*model.IdentityProfile, error) {
	return nil, nil
}

func (g *memGraph) LookupByHash(context.Context, string) (*model.IdentityProfile, error) {
	return nil, nil
}

func (g *memGraph) Profiles(context.Context, []int64, []string) ([]model.IdentityProfile, error) {
	return nil, nil
}

func (g *memGraph) ScanBlock(_ context.Context, afterID int64, limit int, _ []string) ([]model.IdentityProfile, error) {
	if g.onScan != nil {
		g.onScan(afterID)
	}
	i := sort.Search(len(g.profiles), func(i int) bool { return g.profiles[i].ID > afterID })
	end := i + limit
	if end > len(g.profiles) {
		end = len(g.profiles)
	}
	out := make([]model.IdentityProfile, end-i)
	copy(out, g.profiles[i:end])
	return out, nil
}

// memStore keeps models, scores and checkpoints in memory. failAppend, when
// set, is consulted before every AppendScores.
type memStore struct {
	mu          sync.Mutex
	models      map[string]*model.LookalikeModel
	scores      map[string]map[int64]float64
	checkpoints map[string]model.Checkpoint
	appends     int
	failAppend  func(call int, scores []model.LookalikeScore) error
}

func newMemStore() *memStore {
	return &memStore{
		models:      map[string]*model.LookalikeModel{},
		scores:      map[string]map[int64]float64{},
		checkpoints: map[string]model.Checkpoint{},
	}
}

func (s *memStore) SaveModel(_ context.Context, id string, version int, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; ok {
		return store.ErrModelExists
	}
	s.models[id] = &model.LookalikeModel{LookalikeID: id, Version: version, Blob: blob}
	return nil
}

func (s *memStore) LoadModel(_ context.Context, id string) (*model.LookalikeModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return nil, store.ErrModelNotFound
	}
	return m, nil
}

func (s *memStore) AppendScores(_ context.Context, id string, scores []model.LookalikeScore) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failAppend != nil {
		if err := s.failAppend(s.appends, scores); err != nil {
			return 0, err
		}
	}
	if s.scores[id] == nil {
		s.scores[id] = map[int64]float64{}
	}
	var n int64
	for _, sc := range scores {
		if _, ok := s.scores[id][sc.ProfileID]; ok {
			continue
		}
		s.scores[id][sc.ProfileID] = sc.Score
		n++
	}
	return n, nil
}

func (s *memStore) CountScores(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.scores[id])), nil
}

func (s *memStore) GetCheckpoint(_ context.Context, id string) (*model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.checkpoints[cp.LookalikeID]; ok && prev.LastProfileID > cp.LastProfileID {
		return nil
	}
	s.checkpoints[cp.LookalikeID] = cp
	return nil
}
