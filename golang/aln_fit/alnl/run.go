package alnl

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"go.uber.org/zap"
)

//Phase names the content the training and variance stores must hold.
type Phase int

const (
	LinearRegression Phase = iota
	TessellationPhase
	Approximation
	Bagging
)

func (p Phase) String() string {
	switch p {
	case LinearRegression:
		return "linear_regression"
	case TessellationPhase:
		return "tessellation"
	case Approximation:
		return "approximation"
	case Bagging:
		return "bagging"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

//Run owns the three row aligned stores of one fitting run and everything the phases
//pass to each other.
type Run struct {
	ID          string
	Reference   dataset.Table
	Training    *dataset.Store
	Variance    *dataset.Store
	Constraints dataset.Constraints
	Seed        *Seed
	// EnsembleSize is the number of approximation trees averaged by bagging.
	EnsembleSize int
	Log          *zap.Logger

	dataMin, dataMax []float64
}

//NewRun allocates the training and variance stores for a reference table.
func NewRun(reference dataset.Table, constraints dataset.Constraints, ensembleSize int, log *zap.Logger) (*Run, error) {
	if reference == nil {
		return nil, fmt.Errorf("%w: nil reference", dataset.ErrMisalignedStores)
	}
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	h, w := reference.Rows(), reference.Cols()
	if constraints.Inputs() != w-1 {
		return nil, fmt.Errorf("%w: %d constraints for %d inputs", dataset.ErrShape, constraints.Inputs(), w-1)
	}
	if ensembleSize < 1 {
		ensembleSize = 1
	}
	id := uuid.NewString()
	if log == nil {
		log = zap.NewNop()
	}
	run := &Run{
		ID:           id,
		Reference:    reference,
		Training:     dataset.NewStore(h, w),
		Variance:     dataset.NewStore(h, w),
		Constraints:  constraints.Clone(),
		EnsembleSize: ensembleSize,
		Log:          log.With(zap.String("run", id)),
		dataMin:      make([]float64, w-1),
		dataMax:      make([]float64, w-1),
	}
	if err := dataset.CheckAligned(run.Training, run.Variance, reference); err != nil {
		return nil, err
	}
	for i := 0; i < w-1; i++ {
		col := dataset.Column(reference, i)
		run.dataMin[i], run.dataMax[i] = col[0], col[0]
		for _, v := range col {
			if v < run.dataMin[i] {
				run.dataMin[i] = v
			}
			if v > run.dataMax[i] {
				run.dataMax[i] = v
			}
		}
	}
	return run, nil
}

//Prepare rewrites the training and variance stores for a phase.
//
//	LinearRegression: both stores become copies of the reference.
//	TessellationPhase: the training target becomes a unit depth paraboloid around the seed centroid.
//	Approximation: the training store becomes a copy of the reference, the noise samples stay.
//	Bagging: the noise samples are divided by the ensemble size.
func (r *Run) Prepare(phase Phase) error {
	h, w := r.Reference.Rows(), r.Reference.Cols()
	switch phase {
	case LinearRegression:
		if err := r.Training.CopyFrom(r.Reference); err != nil {
			return err
		}
		return r.Variance.CopyFrom(r.Reference)
	case TessellationPhase:
		if r.Seed == nil {
			return fmt.Errorf("%w: tessellation needs the regression seed", ErrTreeConstruction)
		}
		flatten := 0.0
		for j := 0; j < w-1; j++ {
			half := (r.dataMax[j] - r.dataMin[j]) / 2
			flatten += half * half
		}
		if flatten == 0 {
			return fmt.Errorf("%w: all inputs are constant", dataset.ErrDegenerateAxis)
		}
		flatten = 1 / flatten
		for p := 0; p < h; p++ {
			sumSq := 0.0
			for j := 0; j < w-1; j++ {
				x := r.Reference.At(p, j)
				r.Training.Set(p, j, x)
				d := x - r.Seed.Centroid[j]
				sumSq += d * d
			}
			r.Training.Set(p, w-1, flatten*sumSq)
		}
		return nil
	case Approximation:
		return r.Training.CopyFrom(r.Reference)
	case Bagging:
		n := float64(r.EnsembleSize)
		for p := 0; p < h; p++ {
			r.Variance.Set(p, w-1, r.Variance.At(p, w-1)/n)
		}
		return nil
	}
	return fmt.Errorf("unknown phase %v", phase)
}
