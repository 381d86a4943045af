package zarr_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	zarr "github.com/TuSKan/zarr-pyramid"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		input        string
		expectedName string
		expectedSz   int
		expectErr    bool
	}{
		{"<f4", "float32", 4, false},
		{"<i8", "int64", 8, false},
		{"|u1", "uint8", 1, false},
		{"<u2", "uint16", 2, false},
		{"|b1", "bool", 1, false},
		{">f4", "", 0, true}, // big-endian should fail
		{"x2", "", 0, true},  // invalid encoding
		{"<x4", "", 0, true}, // unknown kind
		{"<i", "", 0, true},  // incomplete size
		{"<i3", "", 0, true}, // odd size
		{"<c8", "", 0, true}, // complex is not a sample type
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dt, err := zarr.ParseDType(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q, but got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for input %q: %v", tt.input, err)
			}
			if dt.Name() != tt.expectedName {
				t.Errorf("expected name %q, got %q", tt.expectedName, dt.Name())
			}
			if dt.Size != tt.expectedSz {
				t.Errorf("expected size %d, got %d", tt.expectedSz, dt.Size)
			}
			if dt.String() != tt.input {
				t.Errorf("expected %q to encode back to itself, got %q", tt.input, dt.String())
			}
			byName, err := zarr.DTypeFromName(tt.expectedName)
			if err != nil || byName != dt {
				t.Errorf("DTypeFromName(%q) = %v, %v", tt.expectedName, byName, err)
			}
		})
	}
}

func TestLoadMetadata(t *testing.T) {
	tempDir := t.TempDir()

	mockJSON := `{
		"zarr_format": 2,
		"shape": [128, 128],
		"chunks": [64, 64],
		"dtype": "<f4",
		"compressor": {"id": "zstd", "level": 3},
		"fill_value": 0.0,
		"order": "C",
		"dimension_separator": "/"
	}`

	zarrayPath := filepath.Join(tempDir, ".zarray")
	if err := os.WriteFile(zarrayPath, []byte(mockJSON), 0644); err != nil {
		t.Fatalf("failed to write mock json: %v", err)
	}

	f, err := os.Open(zarrayPath)
	if err != nil {
		t.Fatalf("failed to open mock json: %v", err)
	}
	defer f.Close()

	meta, err := zarr.LoadMetadata(f)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}

	expectedShape := []int{128, 128}
	if !reflect.DeepEqual(meta.Shape, expectedShape) {
		t.Errorf("expected shape %v, got %v", expectedShape, meta.Shape)
	}

	expectedChunks := []int{64, 64}
	if !reflect.DeepEqual(meta.Chunks, expectedChunks) {
		t.Errorf("expected chunks %v, got %v", expectedChunks, meta.Chunks)
	}

	if meta.DType != "<f4" {
		t.Errorf("expected dtype <f4, got %s", meta.DType)
	}
	if meta.Compressor == nil || meta.Compressor.ID != "zstd" || meta.Compressor.Level != 3 {
		t.Errorf("unexpected compressor %+v", meta.Compressor)
	}
	if meta.DimensionSeparator != "/" {
		t.Errorf("expected separator /, got %q", meta.DimensionSeparator)
	}
}

func TestLoadMetadata_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"format 3":     `{"zarr_format": 3, "shape": [1], "chunks": [1], "dtype": "|u1"}`,
		"rank":         `{"zarr_format": 2, "shape": [1, 2], "chunks": [1], "dtype": "|u1"}`,
		"zero chunk":   `{"zarr_format": 2, "shape": [1], "chunks": [0], "dtype": "|u1"}`,
		"fortran":      `{"zarr_format": 2, "shape": [1], "chunks": [1], "dtype": "|u1", "order": "F"}`,
		"filters":      `{"zarr_format": 2, "shape": [1], "chunks": [1], "dtype": "|u1", "filters": [{"id": "delta"}]}`,
		"invalid json": `{"zarr_format": 2,`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := zarr.LoadMetadata(strings.NewReader(doc)); err == nil {
				t.Errorf("expected %s to be rejected", name)
			}
		})
	}
}

func TestChunkKeyAndGrid(t *testing.T) {
	if got := zarr.ChunkKey([]int{1, 4}, "."); got != "1.4" {
		t.Errorf("expected 1.4, got %s", got)
	}
	if got := zarr.ChunkKey([]int{0, 2, 3}, "/"); got != "0/2/3" {
		t.Errorf("expected 0/2/3, got %s", got)
	}
	if got := zarr.ChunkKey(nil, "."); got != "0" {
		t.Errorf("expected 0 for a scalar, got %s", got)
	}
	if got := zarr.GridShape([]int{10, 7}, []int{5, 3}); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Errorf("expected [2 3], got %v", got)
	}

	var visited [][]int
	err := zarr.IterateSubGrid([]int{1, 0}, []int{3, 2}, func(idx []int) error {
		visited = append(visited, append([]int(nil), idx...))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]int{{1, 0}, {1, 1}, {2, 0}, {2, 1}}
	if !reflect.DeepEqual(visited, want) {
		t.Errorf("expected %v, got %v", want, visited)
	}
}
