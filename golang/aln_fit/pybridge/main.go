// SPDX-License-Identifier: Apache-2.0

package main

/*
#cgo CFLAGS: -I.
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/dtree"
)

func copyFloatSlice(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	src := unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length)
	dst := make([]float64, length)
	copy(dst, src)
	return dst, nil
}

func sliceFromPtr(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length), nil
}

//export FreeModel
func FreeModel(handle C.ulonglong) {
	freeModel(uint64(handle))
}

//export TrainModel
func TrainModel(samplesPtr *C.double, rows, cols C.int, configPath *C.char) C.ulonglong {
	setLastError(nil)
	data, err := copyFloatSlice(samplesPtr, int(rows)*int(cols))
	if err != nil {
		setLastError(err)
		return 0
	}
	handle, err := train(data, int(rows), int(cols), C.GoString(configPath))
	if err != nil {
		setLastError(err)
		return 0
	}
	return C.ulonglong(handle)
}

//export Predict
func Predict(handle C.ulonglong, featuresPtr *C.double, rows, cols C.int, outputPtr *C.double) C.int {
	setLastError(nil)
	features, err := sliceFromPtr(featuresPtr, int(rows)*int(cols))
	if err != nil {
		setLastError(err)
		return 1
	}
	out, err := sliceFromPtr(outputPtr, int(rows))
	if err != nil {
		setLastError(err)
		return 2
	}
	if err := predict(uint64(handle), features, int(rows), int(cols), out); err != nil {
		setLastError(err)
		return 3
	}
	return 0
}

//export SaveModel
func SaveModel(handle C.ulonglong, path *C.char) C.int {
	setLastError(nil)
	m, err := fetchModel(uint64(handle))
	if err == nil && m.ensemble == nil {
		err = errors.New("handle holds a decision tree, not a trained model")
	}
	if err == nil {
		err = m.ensemble.Save(C.GoString(path))
	}
	if err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export ExportDTree
func ExportDTree(handle C.ulonglong, path *C.char) C.int {
	setLastError(nil)
	if err := export(uint64(handle), C.GoString(path)); err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export RenderTrees
func RenderTrees(handle C.ulonglong, prefix, figureType, directory *C.char) C.int {
	setLastError(nil)
	m, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	goPrefix := C.GoString(prefix)
	goFigureType := C.GoString(figureType)
	goDir := C.GoString(directory)
	if goPrefix == "" {
		goPrefix = "tree"
	}
	if goFigureType == "" {
		goFigureType = "svg"
	}
	if goDir == "" {
		goDir = "."
	}
	if err := m.render(goPrefix, goFigureType, goDir); err != nil {
		setLastError(err)
		return 2
	}
	return 0
}

//export LoadModel
func LoadModel(path *C.char) C.ulonglong {
	setLastError(nil)
	e, err := alnl.LoadModel(C.GoString(path))
	if err != nil {
		setLastError(err)
		return 0
	}
	return C.ulonglong(storeModel(&model{ensemble: e}))
}

//export LoadDTree
func LoadDTree(path *C.char) C.ulonglong {
	setLastError(nil)
	d, err := dtree.Read(C.GoString(path))
	if err != nil {
		setLastError(err)
		return 0
	}
	return C.ulonglong(storeModel(&model{tree: d}))
}

//export DumpLearningCurves
func DumpLearningCurves(handle C.ulonglong, path *C.char) C.int {
	setLastError(nil)
	m, err := fetchModel(uint64(handle))
	if err == nil && m.ensemble == nil {
		err = errors.New("handle holds a decision tree, not a trained model")
	}
	if err == nil {
		err = m.ensemble.DumpLearningCurves(C.GoString(path))
	}
	if err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export GetLastError
func GetLastError() *C.char {
	errStr := getLastError()
	if errStr == "" {
		return nil
	}
	return C.CString(errStr)
}

//export FreeCString
func FreeCString(str *C.char) {
	if str != nil {
		C.free(unsafe.Pointer(str))
	}
}

func main() {}
