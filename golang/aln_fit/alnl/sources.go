package alnl

import (
	"fmt"

	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

//SampleSource feeds the trainer. Begin is called once at the start of every epoch,
//Next fills a full row (inputs and target) and returns the noise variance sample of it.
type SampleSource interface {
	Begin()
	Next(x []float64) (noise float64, ok bool)
	Width() int
}

//Averager is anything that returns a target value for a point, an ensemble in practice.
type Averager interface {
	Average(x []float64) float64
}

//triangular returns a sample of the symmetric triangular distribution on (-1, 1).
func triangular(rng RandomSource) float64 {
	return rng.Float64() - rng.Float64()
}

//StoredSource visits every row of a stored buffer once per epoch.
type StoredSource struct {
	training, variance dataset.Table
	order              *RowOrder
	rng                RandomSource

	//Sequential keeps the stored row order instead of drawing a permutation each epoch.
	Sequential bool
	//Jitter holds the per-axis jitter half width, nil disables jitter.
	Jitter []float64
}

//NewStoredSource binds training targets and noise samples that describe the same rows.
func NewStoredSource(training, variance dataset.Table, rng RandomSource) (*StoredSource, error) {
	if training.Rows() != variance.Rows() || training.Cols() != variance.Cols() {
		return nil, fmt.Errorf("%w: training %dx%d, variance %dx%d", dataset.ErrMisalignedStores,
			training.Rows(), training.Cols(), variance.Rows(), variance.Cols())
	}
	return &StoredSource{
		training: training,
		variance: variance,
		order:    NewRowOrder(training.Rows()),
		rng:      rng,
	}, nil
}

func (s *StoredSource) Begin() {
	if s.Sequential || s.rng == nil {
		s.order.Reset()
		return
	}
	s.order.Shuffle(s.rng)
}

func (s *StoredSource) Next(x []float64) (float64, bool) {
	if !s.order.HasNext() {
		return 0, false
	}
	p := s.order.GetNext()
	w := s.training.Cols()
	for q := 0; q < w; q++ {
		x[q] = s.training.At(p, q)
	}
	if s.Jitter != nil && s.rng != nil {
		for i, eps := range s.Jitter {
			x[i] += triangular(s.rng) * eps
		}
	}
	return s.variance.At(p, w-1), true
}

func (s *StoredSource) Width() int {
	return s.training.Cols()
}

//GeneratorSource draws rows with replacement from the reference data, jitters them and
//asks a model for the target at the jittered point. The noise sample is the one of the base row.
type GeneratorSource struct {
	reference, variance dataset.Table
	model               Averager
	rng                 RandomSource
	jitter              []float64
	perEpoch            int
	drawn               int
}

//NewGeneratorSource creates a generator producing perEpoch samples per epoch
//(the number of reference rows when perEpoch is not positive).
func NewGeneratorSource(reference, variance dataset.Table, model Averager, jitter []float64, rng RandomSource, perEpoch int) (*GeneratorSource, error) {
	if reference.Rows() != variance.Rows() || reference.Cols() != variance.Cols() {
		return nil, fmt.Errorf("%w: reference %dx%d, variance %dx%d", dataset.ErrMisalignedStores,
			reference.Rows(), reference.Cols(), variance.Rows(), variance.Cols())
	}
	if len(jitter) != reference.Cols()-1 {
		return nil, fmt.Errorf("%w: %d jitter widths for %d inputs", dataset.ErrShape, len(jitter), reference.Cols()-1)
	}
	if perEpoch <= 0 {
		perEpoch = reference.Rows()
	}
	return &GeneratorSource{
		reference: reference,
		variance:  variance,
		model:     model,
		rng:       rng,
		jitter:    jitter,
		perEpoch:  perEpoch,
	}, nil
}

func (g *GeneratorSource) Begin() {
	g.drawn = 0
}

func (g *GeneratorSource) Next(x []float64) (float64, bool) {
	if g.drawn >= g.perEpoch {
		return 0, false
	}
	g.drawn++
	h, w := g.reference.Rows(), g.reference.Cols()
	p := int(g.rng.Float64() * float64(h))
	if p >= h {
		p = h - 1
	}
	for i := 0; i < w-1; i++ {
		x[i] = g.reference.At(p, i) + triangular(g.rng)*g.jitter[i]
	}
	x[w-1] = g.model.Average(x)
	return g.variance.At(p, w-1), true
}

func (g *GeneratorSource) Width() int {
	return g.reference.Cols()
}
