package alnl

import "errors"

var (
	//ErrTreeConstruction is returned when a tree can not be built from the given seed and constraints.
	ErrTreeConstruction = errors.New("alnl: tree construction failed")

	//ErrTrainingFailed is returned when an update produced a non-finite value.
	ErrTrainingFailed = errors.New("alnl: training failed")
)
