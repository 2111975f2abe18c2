package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

//Table is a rectangular double-valued data provider. Column Cols()-1 holds the output.
type Table interface {
	Rows() int
	Cols() int
	At(row, col int) float64
	Set(row, col int, value float64)
}

//Store is a row-major sample store backed by a dense gonum matrix.
type Store struct {
	data *mat.Dense
}

var _ Table = (*Store)(nil)

//NewStore allocates a zero filled store.
func NewStore(rows, cols int) *Store {
	return &Store{data: mat.NewDense(rows, cols, nil)}
}

//NewStoreFromDense wraps an existing matrix without copying it.
func NewStoreFromDense(data *mat.Dense) *Store {
	return &Store{data: data}
}

// NewStoreFromRows copies a slice of equally sized rows into a new store.
func NewStoreFromRows(rows [][]float64) (*Store, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrEmptyTable)
	}
	w := len(rows[0])
	store := NewStore(len(rows), w)
	for p, row := range rows {
		if len(row) != w {
			return nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrShape, p, len(row), w)
		}
		store.data.SetRow(p, row)
	}
	return store, nil
}

func (s *Store) Rows() int {
	h, _ := s.data.Dims()
	return h
}

func (s *Store) Cols() int {
	_, w := s.data.Dims()
	return w
}

func (s *Store) At(row, col int) float64 {
	return s.data.At(row, col)
}

func (s *Store) Set(row, col int, value float64) {
	s.data.Set(row, col, value)
}

//Row copies row p into dst (allocating when dst is too short) and returns it.
func (s *Store) Row(p int, dst []float64) []float64 {
	w := s.Cols()
	if len(dst) < w {
		dst = make([]float64, w)
	}
	return mat.Row(dst[:w], p, s.data)
}

//Dense exposes the backing matrix.
func (s *Store) Dense() *mat.Dense {
	return s.data
}

//Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	return &Store{data: mat.DenseCopyOf(s.data)}
}

//CopyFrom overwrites every cell with the matching cell of src.
func (s *Store) CopyFrom(src Table) error {
	if src.Rows() != s.Rows() || src.Cols() != s.Cols() {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrShape, src.Rows(), src.Cols(), s.Rows(), s.Cols())
	}
	if other, ok := src.(*Store); ok {
		s.data.Copy(other.data)
		return nil
	}
	for p := 0; p < s.Rows(); p++ {
		for q := 0; q < s.Cols(); q++ {
			s.data.Set(p, q, src.At(p, q))
		}
	}
	return nil
}

//Column returns a copy of column q.
func Column(t Table, q int) []float64 {
	out := make([]float64, t.Rows())
	for p := range out {
		out[p] = t.At(p, q)
	}
	return out
}

//CheckAligned validates that the training, variance and reference tables describe
//the same rows with the same width. Misalignment is a precondition failure.
func CheckAligned(training, variance, reference Table) error {
	if training == nil || variance == nil || reference == nil {
		return fmt.Errorf("%w: nil table", ErrMisalignedStores)
	}
	h := reference.Rows()
	if training.Rows() != h {
		return fmt.Errorf("%w: training has %d rows, reference has %d", ErrMisalignedStores, training.Rows(), h)
	}
	if variance.Rows() != h {
		return fmt.Errorf("%w: variance has %d rows, reference has %d", ErrMisalignedStores, variance.Rows(), h)
	}
	w := reference.Cols()
	if training.Cols() != w || variance.Cols() != w {
		return fmt.Errorf("%w: column counts %d/%d/%d differ", ErrMisalignedStores, training.Cols(), variance.Cols(), w)
	}
	if h == 0 {
		return fmt.Errorf("%w: reference is empty", ErrEmptyTable)
	}
	if w < 2 {
		return fmt.Errorf("%w: need at least one input and the output, got %d columns", ErrShape, w)
	}
	return nil
}
