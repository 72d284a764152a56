// Package regress fits and applies the value score regression model.
//
// The model is additive over categorical features: the prediction is an
// intercept plus one learned effect per (column, value) pair. Effects are fit
// by backfitting with ridge shrinkage, which keeps rare categories close to
// zero and makes training fully deterministic for a given row order.
package regress

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lookalike/internal/features"
)

// FormatVersion tags serialized models. A blob written under another version
// is rejected on load.
const FormatVersion = 1

var (
	// ErrColumnMismatch is returned when inference rows do not follow the
	// column schema the model was trained on.
	ErrColumnMismatch = eris.New("regress: column mismatch")
	// ErrVersionMismatch is returned when a stored blob has another format version.
	ErrVersionMismatch = eris.New("regress: model format version mismatch")
)

// Model is a trained additive categorical regression model. It is read-only
// after training and safe for concurrent use.
type Model struct {
	FormatVersion int                  `json:"format_version"`
	Columns       []string             `json:"columns"`
	Intercept     float64              `json:"intercept"`
	Effects       []map[string]float64 `json:"effects"`
	TrainedRows   int                  `json:"trained_rows"`
	TrainingRMSE  float64              `json:"training_rmse"`
}

// CheckColumns verifies that columns match the trained schema exactly.
func (m *Model) CheckColumns(columns []string) error {
	if !features.SameColumns(m.Columns, columns) {
		return eris.Wrapf(ErrColumnMismatch, "model has %v, got %v", m.Columns, columns)
	}
	return nil
}

// Predict returns the clamped [0,1] prediction for one feature row. Values
// never seen in training contribute nothing.
func (m *Model) Predict(row []string) float64 {
	v := m.Intercept
	for c, value := range row {
		if c >= len(m.Effects) {
			break
		}
		v += m.Effects[c][value]
	}
	return clamp01(v)
}

// PredictBatch predicts every row, rejecting rows of the wrong width.
func (m *Model) PredictBatch(rows [][]string) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(m.Columns) {
			return nil, eris.Wrapf(ErrColumnMismatch, "row %d has %d values, want %d", i, len(row), len(m.Columns))
		}
		out[i] = m.Predict(row)
	}
	return out, nil
}

// Encode serializes the model. Map keys are emitted in sorted order, so equal
// models encode to identical bytes.
func Encode(m *Model) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "regress: encode model")
	}
	return data, nil
}

// Decode restores a model stored under the given version tag.
func Decode(blob []byte, version int) (*Model, error) {
	if version != FormatVersion {
		return nil, eris.Wrapf(ErrVersionMismatch, "stored version %d, supported %d", version, FormatVersion)
	}
	var m Model
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, eris.Wrap(err, "regress: decode model")
	}
	if m.FormatVersion != FormatVersion {
		return nil, eris.Wrapf(ErrVersionMismatch, "payload version %d, supported %d", m.FormatVersion, FormatVersion)
	}
	if len(m.Effects) != len(m.Columns) {
		return nil, eris.Wrapf(ErrColumnMismatch, "%d effect tables for %d columns", len(m.Effects), len(m.Columns))
	}
	for i := range m.Effects {
		if m.Effects[i] == nil {
			m.Effects[i] = map[string]float64{}
		}
	}
	return &m, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
