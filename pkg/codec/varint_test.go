package codec

import (
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestSizeOfVarint(t *testing.T) {
	testCases := []struct {
		value int
		want  int
	}{
		{0, 1},
		{1, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{MaxContainerBytes, 3},
		{math.MaxInt32, 5},
		{math.MaxInt64, 9},
	}

	for _, tc := range testCases {
		got, err := SizeOfVarint(tc.value)
		if err != nil {
			t.Fatalf("SizeOfVarint(%d) failed: %v", tc.value, err)
		}
		if got != tc.want {
			t.Errorf("SizeOfVarint(%d) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestSizeOfVarint_MatchesProtowire(t *testing.T) {
	for v := 0; v < 1<<22; v += 97 {
		got, err := SizeOfVarint(v)
		if err != nil {
			t.Fatalf("SizeOfVarint(%d) failed: %v", v, err)
		}
		if want := protowire.SizeVarint(uint64(v)); got != want {
			t.Fatalf("SizeOfVarint(%d) = %d, protowire says %d", v, got, want)
		}
	}
	for shift := 0; shift < 63; shift++ {
		v := 1 << shift
		got, _ := SizeOfVarint(v)
		if want := protowire.SizeVarint(uint64(v)); got != want {
			t.Errorf("SizeOfVarint(1<<%d) = %d, protowire says %d", shift, got, want)
		}
	}
}

func TestSizeOfVarint_Negative(t *testing.T) {
	_, err := SizeOfVarint(-1)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestFieldSize(t *testing.T) {
	if got := FieldSize(9); got != 11 {
		t.Errorf("FieldSize(9) = %d, want 11", got)
	}
	if got := FieldSize(200); got != 203 {
		t.Errorf("FieldSize(200) = %d, want 203", got)
	}
	if got := IndexFieldSize(0); got != 2 {
		t.Errorf("IndexFieldSize(0) = %d, want 2", got)
	}
	if got := IndexFieldSize(300); got != 3 {
		t.Errorf("IndexFieldSize(300) = %d, want 3", got)
	}
}
