package rag

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// vecsMagic identifies the vector matrix file format.
const vecsMagic = uint32(0x52414756) // "RAGV"

// writeMatrixAtomic serializes the matrix as little-endian float32 rows
// behind a small header (magic, rows, dims), written to a temp file and
// renamed into place. Row order matches the chunk metadata order exactly.
func writeMatrixAtomic(path string, rows [][]float32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	dims := 0
	if len(rows) > 0 {
		dims = len(rows[0])
	}
	header := []uint32{vecsMagic, uint32(len(rows)), uint32(dims)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return err
	}
	for i, row := range rows {
		if len(row) != dims {
			f.Close()
			return fmt.Errorf("ragged matrix: row %d has %d dims, want %d", i, len(row), dims)
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readMatrix loads a matrix written by writeMatrixAtomic.
func readMatrix(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read matrix header: %w", err)
	}
	if header[0] != vecsMagic {
		return nil, fmt.Errorf("bad matrix magic %#x", header[0])
	}
	rows, dims := int(header[1]), int(header[2])

	// A corrupt header must not dictate the allocation size: the file has
	// to actually contain rows*dims floats.
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	want := int64(len(header))*4 + int64(rows)*int64(dims)*4
	if want != info.Size() {
		return nil, fmt.Errorf("matrix size mismatch: header wants %d bytes, file has %d", want, info.Size())
	}

	out := make([][]float32, rows)
	for i := range out {
		row := make([]float32, dims)
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("read matrix row %d: %w", i, err)
		}
		out[i] = row
	}
	return out, nil
}

// normalizeRows scales every row to unit L2 norm in place. Zero-norm rows
// keep their zeros (the divisor is clamped to 1) so they never yield
// NaN/Inf downstream.
func normalizeRows(rows [][]float32) {
	for _, row := range rows {
		normalizeVector(row)
	}
}

func normalizeVector(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	inv := float32(1 / norm)
	for i := range v {
		v[i] *= inv
	}
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
