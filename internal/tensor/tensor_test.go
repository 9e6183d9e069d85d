package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

func TestZerosAllowsEmptyDimension(t *testing.T) {
	t.Parallel()
	kv := Zeros(Float32, 1, 8, 0, 64)
	if kv.Len() != 0 {
		t.Fatalf("expected no elements, got %d", kv.Len())
	}
	if diff := cmp.Diff([]int{1, 8, 0, 64}, kv.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFloat32PanicsOnShapeMismatch(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	FromFloat32([]float32{1, 2, 3}, 2, 2)
}

func TestConvertRoundTripsHalfPrecision(t *testing.T) {
	t.Parallel()
	src := FromFloat32([]float32{0.5, -2, 1024}, 1, 3)
	half, err := src.Convert(Float16)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if half.DType() != Float16 {
		t.Fatalf("dtype: got %s", half.DType())
	}
	back, err := half.Float32s()
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	if diff := cmp.Diff([]float32{0.5, -2, 1024}, back); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertMaskToBool(t *testing.T) {
	t.Parallel()
	mask, err := FromInt64([]int64{1, 0, 1}, 3).Convert(Bool)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if diff := cmp.Diff([]bool{true, false, true}, mask.Data()); diff != "" {
		t.Fatalf("mask mismatch (-want +got):\n%s", diff)
	}
}

func TestLastRow(t *testing.T) {
	t.Parallel()
	logits := FromFloat32([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	row, err := logits.LastRow()
	if err != nil {
		t.Fatalf("last row: %v", err)
	}
	if diff := cmp.Diff([]float32{4, 5, 6}, row); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}

	half := FromFloat16([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(3)}, 2, 1)
	row, err = half.LastRow()
	if err != nil || len(row) != 1 || row[0] != 3 {
		t.Fatalf("half last row: %v %v", row, err)
	}
}

func TestOnesAndReshape(t *testing.T) {
	t.Parallel()
	m := Ones(1, 4)
	ids, _ := m.Int64s()
	if diff := cmp.Diff([]int64{1, 1, 1, 1}, ids); diff != "" {
		t.Fatalf("ones mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.Reshape(2, 2); err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if _, err := m.Reshape(3); err == nil {
		t.Fatal("expected reshape error")
	}
	if m.String() != "int64[1,4]" {
		t.Fatalf("string: %q", m.String())
	}
}
