package cmd

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Tab-separated numeric matrices, one sample per row, no header. Missing
// values are spelled NA or nan and load as NaN.

func parseCell(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "na", "nan", "":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func readMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	cols := -1
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if cols == -1 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("%s: row %d has %d fields, expected %d", path, len(rows)+1, len(fields), cols)
		}
		row := make([]float64, cols)
		for j, fld := range fields {
			v, err := parseCell(fld)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d col %d: %w", path, len(rows)+1, j+1, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty matrix", path)
	}

	out := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		out.SetRow(i, row)
	}
	return out, nil
}

func readVector(path string) ([]float64, error) {
	m, err := readMatrix(path)
	if err != nil {
		return nil, err
	}
	n, c := m.Dims()
	if c != 1 {
		return nil, fmt.Errorf("%s: expected a single column, got %d", path, c)
	}
	out := make([]float64, n)
	mat.Col(out, 0, m)
	return out, nil
}

func writeMatrix(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	n, c := m.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				if err := w.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := w.WriteString(strconv.FormatFloat(m.At(i, j), 'g', -1, 64)); err != nil {
				return err
			}
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeVector(path string, v []float64) error {
	return writeMatrix(path, mat.NewDense(len(v), 1, v))
}
