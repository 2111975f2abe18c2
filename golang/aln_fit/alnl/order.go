package alnl

//RandomSource produces uniform floats in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

//IntIterable is the interface for iteration over an collection of integers.
type IntIterable interface {
	HasNext() bool
	GetNext() int
}

//RowOrder is an iterator over a permutation of the row indices [0, n).
type RowOrder struct {
	perm []int
	pos  int
}

//NewRowOrder initializes an iterator over the identity permutation.
func NewRowOrder(n int) *RowOrder {
	perm := make([]int, n)
	for p := range perm {
		perm[p] = p
	}
	return &RowOrder{perm: perm}
}

//Shuffle draws a new permutation (Fisher-Yates) and rewinds the iterator.
func (r *RowOrder) Shuffle(rng RandomSource) {
	for p := len(r.perm) - 1; p > 0; p-- {
		q := int(rng.Float64() * float64(p+1))
		if q > p {
			q = p
		}
		r.perm[p], r.perm[q] = r.perm[q], r.perm[p]
	}
	r.pos = 0
}

//Reset restores the stored order and rewinds the iterator.
func (r *RowOrder) Reset() {
	for p := range r.perm {
		r.perm[p] = p
	}
	r.pos = 0
}

//GetNext returns the next element from the iterator and moves iterator to the next position.
func (r *RowOrder) GetNext() int {
	val := r.perm[r.pos]
	r.pos++
	return val
}

//HasNext checks whether there are more values in the iterator.
func (r *RowOrder) HasNext() bool {
	return r.pos < len(r.perm)
}

//Len is the number of rows in one pass.
func (r *RowOrder) Len() int {
	return len(r.perm)
}
