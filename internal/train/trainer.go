package train

import (
	"context"
	"errors"
	"math"

	"trainjobs/internal/job"
	"trainjobs/internal/retry"
)

// Model is a trained, serializable predictor.
type Model struct {
	Trainer string             `json:"trainer"`
	Inputs  []string           `json:"inputs"`
	Target  string             `json:"target"`
	Params  map[string]float64 `json:"params"`
}

// Predict returns the model's prediction for one input row.
func (m *Model) Predict(row []float64) float64 {
	bias := m.Params["bias"]
	sum := bias
	for i := range row {
		if i >= len(m.Inputs) {
			break
		}
		sum += m.Params["w:"+m.Inputs[i]] * row[i]
	}
	return sum
}

// Trainer fits a model to a dataset. Implementations must honour
// context cancellation.
type Trainer interface {
	Name() string
	Train(ctx context.Context, ds *Dataset, schema job.Schema) (*Model, error)
}

// BaselineTrainer fits a mean predictor: every weight zero, bias equal
// to the training targets' mean. It exists so the pipeline, backends
// and API can be exercised end to end without a real learner.
type BaselineTrainer struct{}

// NewBaselineTrainer returns the baseline mean-predictor trainer.
func NewBaselineTrainer() *BaselineTrainer {
	return &BaselineTrainer{}
}

// Name identifies the trainer in artifacts and logs.
func (t *BaselineTrainer) Name() string { return "baseline-mean" }

// Train fits the mean predictor.
func (t *BaselineTrainer) Train(ctx context.Context, ds *Dataset, schema job.Schema) (*Model, error) {
	if ds.Rows() == 0 {
		return nil, retry.Terminal(errors.New("empty training set"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sum float64
	for _, target := range ds.Targets {
		sum += target
	}

	params := map[string]float64{"bias": sum / float64(ds.Rows())}
	for _, input := range schema.Inputs {
		params["w:"+input] = 0
	}
	return &Model{
		Trainer: t.Name(),
		Inputs:  schema.Inputs,
		Target:  schema.Target,
		Params:  params,
	}, nil
}

// evaluate computes mean absolute error and root mean squared error of
// the model over a holdout set.
func evaluate(m *Model, holdout *Dataset) (map[string]float64, error) {
	if holdout.Rows() == 0 {
		return nil, retry.Terminal(errors.New("empty holdout set"))
	}

	var absSum, sqSum float64
	for i, row := range holdout.Inputs {
		diff := m.Predict(row) - holdout.Targets[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
	}
	n := float64(holdout.Rows())
	return map[string]float64{
		"mae":  absSum / n,
		"rmse": math.Sqrt(sqSum / n),
		"rows": n,
	}, nil
}
