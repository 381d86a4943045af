package zarr

import (
	"bytes"
	"slices"
	"testing"
)

func TestIterateSubGrid(t *testing.T) {
	var got [][]int
	err := IterateSubGrid([]int{1, 0}, []int{3, 2}, func(idx []int) error {
		got = append(got, slices.Clone(idx))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]int{{1, 0}, {1, 1}, {2, 0}, {2, 1}}
	if !slices.EqualFunc(got, want, slices.Equal[[]int]) {
		t.Errorf("IterateSubGrid = %v, want %v", got, want)
	}

	calls := 0
	_ = IterateSubGrid([]int{2, 0}, []int{2, 5}, func([]int) error { calls++; return nil })
	if calls != 0 {
		t.Errorf("empty range visited %d indices", calls)
	}
}

func TestStrides(t *testing.T) {
	if got := strides([]int{2, 3, 4}); !slices.Equal(got, []int{12, 4, 1}) {
		t.Errorf("strides = %v", got)
	}
	if got := fortranStrides([]int{2, 3, 4}); !slices.Equal(got, []int{1, 2, 6}) {
		t.Errorf("fortranStrides = %v", got)
	}
}

func TestCopyND(t *testing.T) {
	// 3x4 source of uint16, copy the 2x2 block at (1, 1) into a 2x3 buffer at (0, 1).
	src := make([]byte, 2*12)
	for i := range 12 {
		src[2*i] = byte(i)
	}
	dst := make([]byte, 2*6)
	copyND(dst, strides([]int{2, 3}), []int{0, 1}, src, strides([]int{3, 4}), []int{1, 1}, []int{2, 2}, 2)
	want := []byte{0, 0, 5, 0, 6, 0, 0, 0, 9, 0, 10, 0}
	if !bytes.Equal(dst, want) {
		t.Errorf("copyND = %v, want %v", dst, want)
	}

	// F-order destination transposes the walk.
	dstF := make([]byte, 4)
	copyND(dstF, fortranStrides([]int{2, 2}), []int{0, 0}, []byte{1, 2, 3, 4}, strides([]int{2, 2}), []int{0, 0}, []int{2, 2}, 1)
	if !bytes.Equal(dstF, []byte{1, 3, 2, 4}) {
		t.Errorf("copyND into F order = %v", dstF)
	}
}

func TestFillElements(t *testing.T) {
	buf := make([]byte, 7)
	fillElements(buf, []byte{1, 2})
	if !bytes.Equal(buf, []byte{1, 2, 1, 2, 1, 2, 1}) {
		t.Errorf("fillElements = %v", buf)
	}
	fillElements(buf, []byte{0, 0})
	if !bytes.Equal(buf, make([]byte, 7)) {
		t.Errorf("zero fill = %v", buf)
	}
}
