// Package marshal converts request input values to the numeric forms the
// compute kernel accepts, and converts kernel outputs back to plain values
// for response envelopes.
//
// Conversion rules:
//   - scalar integer or real -> IEEE-754 double
//   - empty sequence         -> empty numeric array
//   - 1-D sequence           -> 1xN row vector
//   - 2-D sequence           -> NxM matrix (rows must have equal length)
//   - booleans and anything else pass through unchanged
//
// On the way back, 1x1 collapses to a scalar, 1xN and Nx1 collapse to a 1-D
// sequence, and NxM stays a sequence of sequences.
package marshal

import "fmt"

// Matrix is the compute-side representation of numeric array values:
// a row-major sequence of equal-length rows.
type Matrix [][]float64

// Rows returns the number of rows.
func (m Matrix) Rows() int { return len(m) }

// Cols returns the number of columns, 0 for an empty matrix.
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// ToCompute converts a request input value into its compute-side form.
// Values with no numeric interpretation pass through unchanged; the kernel
// may reject them.
func ToCompute(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int, int32, int64, float32, float64:
		return toFloat(val), nil
	case []interface{}:
		return sequenceToMatrix(val)
	case []float64:
		return Matrix{append([]float64(nil), val...)}, nil
	case []int:
		row := make([]float64, len(val))
		for i, n := range val {
			row[i] = float64(n)
		}
		return Matrix{row}, nil
	case [][]float64:
		return Matrix(val), nil
	default:
		return v, nil
	}
}

// ToComputeInputs converts every input of a request.
func ToComputeInputs(inputs map[string]interface{}) (map[string]interface{}, error) {
	converted := make(map[string]interface{}, len(inputs))
	for name, value := range inputs {
		cv, err := ToCompute(value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		converted[name] = cv
	}
	return converted, nil
}

// FromCompute converts a compute-side value back to a plain value for a
// response envelope.
func FromCompute(v interface{}) interface{} {
	m, ok := asMatrix(v)
	if !ok {
		return v
	}
	switch {
	case m.Rows() == 0 || m.Cols() == 0:
		return []float64{}
	case m.Rows() == 1 && m.Cols() == 1:
		return m[0][0]
	case m.Rows() == 1:
		return append([]float64(nil), m[0]...)
	case m.Cols() == 1:
		col := make([]float64, m.Rows())
		for i := range m {
			col[i] = m[i][0]
		}
		return col
	default:
		return [][]float64(m)
	}
}

// sequenceToMatrix maps an empty sequence to an empty matrix, a flat numeric
// sequence to a 1xN row vector, and a sequence of equal-length numeric
// sequences to an NxM matrix. Mixed or non-numeric sequences pass through.
func sequenceToMatrix(seq []interface{}) (interface{}, error) {
	if len(seq) == 0 {
		return Matrix{}, nil
	}

	if _, nested := seq[0].([]interface{}); nested {
		rows := make(Matrix, len(seq))
		width := -1
		for i, item := range seq {
			inner, ok := item.([]interface{})
			if !ok {
				return nil, fmt.Errorf("mixed nesting at row %d", i)
			}
			row, ok := numericRow(inner)
			if !ok {
				return seq, nil
			}
			if width >= 0 && len(row) != width {
				return nil, fmt.Errorf("ragged matrix: row %d has %d columns, want %d", i, len(row), width)
			}
			width = len(row)
			rows[i] = row
		}
		return rows, nil
	}

	row, ok := numericRow(seq)
	if !ok {
		return seq, nil
	}
	return Matrix{row}, nil
}

func numericRow(seq []interface{}) ([]float64, bool) {
	row := make([]float64, len(seq))
	for i, item := range seq {
		switch n := item.(type) {
		case int:
			row[i] = float64(n)
		case int64:
			row[i] = float64(n)
		case float64:
			row[i] = n
		case float32:
			row[i] = float64(n)
		default:
			return nil, false
		}
	}
	return row, true
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// asMatrix recognizes matrix values in both their typed form and the
// decoded-from-JSON form that a compute process sends over the wire.
func asMatrix(v interface{}) (Matrix, bool) {
	switch m := v.(type) {
	case Matrix:
		return m, true
	case [][]float64:
		return Matrix(m), true
	case []interface{}:
		if len(m) == 0 {
			return nil, false
		}
		rows := make(Matrix, len(m))
		for i, item := range m {
			inner, ok := item.([]interface{})
			if !ok {
				return nil, false
			}
			row, ok := numericRow(inner)
			if !ok {
				return nil, false
			}
			rows[i] = row
		}
		return rows, true
	default:
		return nil, false
	}
}
