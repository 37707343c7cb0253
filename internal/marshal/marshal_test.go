package marshal

import (
	"reflect"
	"testing"
)

// Test scalar conversion to doubles
func TestToComputeScalars(t *testing.T) {
	got, err := ToCompute(5)
	if err != nil {
		t.Fatalf("ToCompute(5) failed: %v", err)
	}
	if got != 5.0 {
		t.Errorf("ToCompute(5) = %v (%T), want 5.0", got, got)
	}

	got, err = ToCompute(3.14)
	if err != nil {
		t.Fatalf("ToCompute(3.14) failed: %v", err)
	}
	if got != 3.14 {
		t.Errorf("ToCompute(3.14) = %v, want 3.14", got)
	}
}

// Test that booleans pass through untouched
func TestToComputeBool(t *testing.T) {
	got, err := ToCompute(true)
	if err != nil {
		t.Fatalf("ToCompute(true) failed: %v", err)
	}
	if got != true {
		t.Errorf("ToCompute(true) = %v", got)
	}
}

// Test 1-D sequence to row vector
func TestToComputeRowVector(t *testing.T) {
	got, err := ToCompute([]interface{}{1, 2, 3})
	if err != nil {
		t.Fatalf("ToCompute failed: %v", err)
	}
	want := Matrix{{1, 2, 3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// Test 2-D sequence to matrix and ragged rejection
func TestToComputeMatrix(t *testing.T) {
	got, err := ToCompute([]interface{}{
		[]interface{}{1, 2},
		[]interface{}{3, 4},
	})
	if err != nil {
		t.Fatalf("ToCompute failed: %v", err)
	}
	want := Matrix{{1, 2}, {3, 4}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	_, err = ToCompute([]interface{}{
		[]interface{}{1, 2},
		[]interface{}{3},
	})
	if err == nil {
		t.Error("ragged matrix accepted")
	}
}

func TestToComputeEmptySequence(t *testing.T) {
	got, err := ToCompute([]interface{}{})
	if err != nil {
		t.Fatalf("ToCompute failed: %v", err)
	}
	m, ok := got.(Matrix)
	if !ok || m.Rows() != 0 {
		t.Errorf("got %v (%T), want empty matrix", got, got)
	}
}

// Test that non-numeric sequences pass through for the kernel to judge
func TestToComputeNonNumericPassthrough(t *testing.T) {
	seq := []interface{}{"a", "b"}
	got, err := ToCompute(seq)
	if err != nil {
		t.Fatalf("ToCompute failed: %v", err)
	}
	if !reflect.DeepEqual(got, seq) {
		t.Errorf("got %v, want passthrough", got)
	}
}

func TestFromComputeShapes(t *testing.T) {
	// 1x1 collapses to a scalar
	if got := FromCompute(Matrix{{7}}); got != 7.0 {
		t.Errorf("1x1 = %v, want 7.0", got)
	}
	// 1xN collapses to a 1-D sequence
	if got := FromCompute(Matrix{{1, 2, 3}}); !reflect.DeepEqual(got, []float64{1, 2, 3}) {
		t.Errorf("1xN = %v", got)
	}
	// Nx1 collapses to a 1-D sequence
	if got := FromCompute(Matrix{{1}, {2}, {3}}); !reflect.DeepEqual(got, []float64{1, 2, 3}) {
		t.Errorf("Nx1 = %v", got)
	}
	// NxM stays two-dimensional
	if got := FromCompute(Matrix{{1, 2}, {3, 4}}); !reflect.DeepEqual(got, [][]float64{{1, 2}, {3, 4}}) {
		t.Errorf("NxM = %v", got)
	}
	// empty matrix becomes an empty sequence
	if got := FromCompute(Matrix{}); !reflect.DeepEqual(got, []float64{}) {
		t.Errorf("empty = %v", got)
	}
}

// Test the wire form a compute process actually sends (decoded JSON)
func TestFromComputeWireForm(t *testing.T) {
	wire := []interface{}{
		[]interface{}{1.0, 2.0},
		[]interface{}{3.0, 4.0},
	}
	got := FromCompute(wire)
	if !reflect.DeepEqual(got, [][]float64{{1, 2}, {3, 4}}) {
		t.Errorf("got %v", got)
	}
}

// Test round trips for the shapes the kernel exchanges. Nx1 collapses to a
// 1-D sequence on the way out, so its round trip compares data, not shape.
func TestRoundTrip(t *testing.T) {
	cases := []Matrix{
		{{5}},
		{{1, 2, 3}},
		{{1, 2}, {3, 4}, {5, 6}},
	}
	for _, m := range cases {
		out := FromCompute(m)
		back, err := ToCompute(out)
		if err != nil {
			t.Fatalf("ToCompute(%v) failed: %v", out, err)
		}
		switch {
		case m.Rows() == 1 && m.Cols() == 1:
			if back != m[0][0] {
				t.Errorf("scalar round trip: %v != %v", back, m[0][0])
			}
		default:
			if !reflect.DeepEqual(back, m) {
				t.Errorf("round trip: %v != %v", back, m)
			}
		}
	}

	// Nx1: orientation collapses, data survives.
	col := Matrix{{1}, {2}}
	back, err := ToCompute(FromCompute(col))
	if err != nil {
		t.Fatalf("ToCompute failed: %v", err)
	}
	if !reflect.DeepEqual(back, Matrix{{1, 2}}) {
		t.Errorf("Nx1 round trip = %v", back)
	}
}

func TestToComputeInputs(t *testing.T) {
	inputs := map[string]interface{}{
		"a":    2,
		"b":    3,
		"flag": true,
	}
	converted, err := ToComputeInputs(inputs)
	if err != nil {
		t.Fatalf("ToComputeInputs failed: %v", err)
	}
	if converted["a"] != 2.0 || converted["b"] != 3.0 {
		t.Errorf("scalars = %v, %v", converted["a"], converted["b"])
	}
	if converted["flag"] != true {
		t.Errorf("flag = %v", converted["flag"])
	}

	_, err = ToComputeInputs(map[string]interface{}{
		"m": []interface{}{[]interface{}{1}, []interface{}{2, 3}},
	})
	if err == nil {
		t.Error("ragged input accepted")
	}
}
