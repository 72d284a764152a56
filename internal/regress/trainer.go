package regress

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrEmptyTrainDataset is returned when there are no training rows.
	ErrEmptyTrainDataset = eris.New("regress: empty train dataset")
	// ErrEqualTrainTargets is returned when every target is identical, which
	// leaves nothing to learn.
	ErrEqualTrainTargets = eris.New("regress: all train targets are equal")
	// ErrShape is returned when rows and targets disagree in size.
	ErrShape = eris.New("regress: malformed train dataset")
)

// TrainerConfig controls fitting.
type TrainerConfig struct {
	// Epochs is the number of backfitting passes over all columns. Default: 10.
	Epochs int `yaml:"epochs" mapstructure:"epochs"`
	// L2 is the ridge shrinkage added to every category count. Default: 1.0.
	L2 float64 `yaml:"l2" mapstructure:"l2"`
}

// DefaultTrainerConfig returns the fitting defaults.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{Epochs: 10, L2: 1.0}
}

// Trainer fits models from projected feature rows.
type Trainer struct {
	cfg TrainerConfig
}

// NewTrainer creates a Trainer, filling zero config values with defaults.
func NewTrainer(cfg TrainerConfig) *Trainer {
	def := DefaultTrainerConfig()
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.L2 < 0 {
		cfg.L2 = def.L2
	}
	return &Trainer{cfg: cfg}
}

// Train fits a model mapping rows (in columns order, missing values already
// replaced by the features.Missing sentinel) to targets.
func (t *Trainer) Train(columns []string, rows [][]string, targets []float64) (*Model, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyTrainDataset
	}
	if len(rows) != len(targets) {
		return nil, eris.Wrapf(ErrShape, "%d rows, %d targets", len(rows), len(targets))
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, eris.Wrapf(ErrShape, "row %d has %d values, want %d", i, len(row), len(columns))
		}
	}
	if allEqual(targets) {
		return nil, ErrEqualTrainTargets
	}

	n := len(rows)
	var mean float64
	for _, y := range targets {
		mean += y
	}
	mean /= float64(n)

	residual := make([]float64, n)
	for i, y := range targets {
		residual[i] = y - mean
	}

	effects := make([]map[string]float64, len(columns))
	for c := range effects {
		effects[c] = map[string]float64{}
	}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		for c := range columns {
			eff := effects[c]
			sums := map[string]float64{}
			counts := map[string]float64{}
			for i, row := range rows {
				v := row[c]
				residual[i] += eff[v]
				sums[v] += residual[i]
				counts[v]++
			}
			next := make(map[string]float64, len(sums))
			for v, s := range sums {
				next[v] = s / (counts[v] + t.cfg.L2)
			}
			for i, row := range rows {
				residual[i] -= next[row[c]]
			}
			effects[c] = next
		}
	}

	cols := make([]string, len(columns))
	copy(cols, columns)
	m := &Model{
		FormatVersion: FormatVersion,
		Columns:       cols,
		Intercept:     mean,
		Effects:       effects,
		TrainedRows:   n,
	}
	m.TrainingRMSE = rmse(m, rows, targets)

	zap.L().Info("regress: model trained",
		zap.Int("rows", n),
		zap.Int("columns", len(columns)),
		zap.Float64("rmse", m.TrainingRMSE),
	)
	return m, nil
}

func allEqual(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}

func rmse(m *Model, rows [][]string, targets []float64) float64 {
	var sq float64
	for i, row := range rows {
		d := m.Predict(row) - targets[i]
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(rows)))
}
