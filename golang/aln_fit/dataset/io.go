package dataset

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

//ReadNpy reads a two dimensional float64 .npy file into a store
func ReadNpy(fileName string) (store *Store, err error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}

	denseMat := &mat.Dense{}
	if err = r.Read(denseMat); err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	return NewStoreFromDense(denseMat), nil
}

//WriteNpy stores any gonum matrix as a .npy file
func WriteNpy(fileName string, m mat.Matrix) (err error) {
	dst, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
	}()
	return npyio.Write(dst, m)
}

// ReadCSV parses comma separated numeric rows. Lines whose first field is not
// a number are treated as a header and skipped.
func ReadCSV(r io.Reader) (*Store, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rows [][]float64
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		row := make([]float64, len(record))
		header := false
		for q, field := range record {
			v, perr := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if perr != nil {
				if len(rows) == 0 && q == 0 {
					header = true
					break
				}
				return nil, fmt.Errorf("csv line %d column %d: %w", line, q, perr)
			}
			row[q] = v
		}
		if header {
			continue
		}
		rows = append(rows, row)
	}
	return NewStoreFromRows(rows)
}

// Load reads a sample table choosing the format by file extension (.npy or .csv).
func Load(fileName string) (*Store, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".npy":
		return ReadNpy(fileName)
	case ".csv", ".txt":
		f, err := os.Open(fileName)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported sample file %q", fileName)
	}
}

// Fingerprint hashes the shape and contents of a table. Two tables with the
// same fingerprint hold the same samples in the same order.
func Fingerprint(t Table) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.Rows()))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(t.Cols()))
	_, _ = d.Write(buf[:])
	for p := 0; p < t.Rows(); p++ {
		for q := 0; q < t.Cols(); q++ {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(t.At(p, q)))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}
