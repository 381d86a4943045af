package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const precomputedInfoKey = "info"

type ngScale struct {
	ChunkSizes  [][3]int   `json:"chunk_sizes"`
	Encoding    string     `json:"encoding"`
	Key         string     `json:"key"`
	Resolution  [3]float64 `json:"resolution"`
	Size        [3]int     `json:"size"`
	VoxelOffset [3]int     `json:"voxel_offset"`
}

type ngVolume struct {
	StoreType   string    `json:"@type"`     // must be "neuroglancer_multiscale_volume"
	VolumeType  string    `json:"type"`      // "image" or "segmentation"
	DataType    string    `json:"data_type"` // "uint8", ... "float32"
	NumChannels int       `json:"num_channels"`
	Scales      []ngScale `json:"scales"`
}

func (v *ngVolume) validate() error {
	if v.StoreType != "neuroglancer_multiscale_volume" {
		return fmt.Errorf("info @type %q != neuroglancer_multiscale_volume", v.StoreType)
	}
	if v.NumChannels <= 0 {
		return fmt.Errorf("info num_channels %d must be positive", v.NumChannels)
	}
	for _, s := range v.Scales {
		if s.Encoding != "raw" {
			return fmt.Errorf("scale %q has unsupported encoding %q", s.Key, s.Encoding)
		}
		if len(s.ChunkSizes) == 0 {
			return fmt.Errorf("scale %q has no chunk_sizes", s.Key)
		}
	}
	return nil
}

func (v *ngVolume) scale(key string) (*ngScale, error) {
	if key == "" && len(v.Scales) > 0 {
		return &v.Scales[0], nil
	}
	for i := range v.Scales {
		if v.Scales[i].Key == key {
			return &v.Scales[i], nil
		}
	}
	return nil, fmt.Errorf("scale %q not found in info", key)
}

// upsert adds s or replaces the scale with the same key, keeping the
// scales ordered by their first resolution.
func (v *ngVolume) upsert(s ngScale) {
	for i := range v.Scales {
		if v.Scales[i].Key == s.Key {
			v.Scales[i] = s
			return
		}
	}
	v.Scales = append(v.Scales, s)
	for i := len(v.Scales) - 1; i > 0 && v.Scales[i].Resolution[0] < v.Scales[i-1].Resolution[0]; i-- {
		v.Scales[i], v.Scales[i-1] = v.Scales[i-1], v.Scales[i]
	}
}

func readInfo(ctx context.Context, bucket *blob.Bucket, root string) (*ngVolume, error) {
	data, err := bucket.ReadAll(ctx, path.Join(root, precomputedInfoKey))
	if err != nil {
		return nil, err
	}
	var vol ngVolume
	if err := json.Unmarshal(data, &vol); err != nil {
		return nil, fmt.Errorf("failed to decode info: %w", err)
	}
	return &vol, nil
}

// createPrecomputed writes or updates the info document for desc.
func createPrecomputed(ctx context.Context, bucket *blob.Bucket, desc Descriptor) error {
	p := desc.Precomputed
	volumeType := p.VolumeType
	if volumeType == "" {
		volumeType = "image"
	}

	var vol *ngVolume
	if !p.Base {
		existing, err := readInfo(ctx, bucket, desc.Path)
		switch {
		case err == nil:
			vol = existing
		case gcerrors.Code(err) == gcerrors.NotFound:
		default:
			return fmt.Errorf("failed to read existing info: %w", err)
		}
	}
	if vol == nil {
		vol = &ngVolume{
			StoreType:   "neuroglancer_multiscale_volume",
			VolumeType:  volumeType,
			DataType:    desc.DType.Name(),
			NumChannels: desc.Shape[3],
		}
	}
	if vol.DataType != desc.DType.Name() || vol.NumChannels != desc.Shape[3] {
		return fmt.Errorf("scale %q (%s x%d) conflicts with existing volume (%s x%d)",
			p.Key, desc.DType.Name(), desc.Shape[3], vol.DataType, vol.NumChannels)
	}

	vol.upsert(ngScale{
		ChunkSizes:  [][3]int{{desc.Chunks[0], desc.Chunks[1], desc.Chunks[2]}},
		Encoding:    "raw",
		Key:         p.Key,
		Resolution:  p.Resolution,
		Size:        [3]int{desc.Shape[0], desc.Shape[1], desc.Shape[2]},
		VoxelOffset: p.VoxelOffset,
	})

	data, err := json.MarshalIndent(vol, "", "  ")
	if err != nil {
		return err
	}
	return bucket.WriteAll(ctx, path.Join(desc.Path, precomputedInfoKey), data, &blob.WriterOptions{ContentType: "application/json"})
}

// precomputedKey names a chunk file "<x0>-<x1>_<y0>-<y1>_<z0>-<z1>" with
// exclusive upper bounds clamped to the volume.
func precomputedKey(coords, chunks, shape []int) string {
	var sb strings.Builder
	for i := 0; i < 3; i++ {
		if i > 0 {
			sb.WriteByte('_')
		}
		lo := coords[i] * chunks[i]
		hi := min(lo+chunks[i], shape[i])
		sb.WriteString(strconv.Itoa(lo))
		sb.WriteByte('-')
		sb.WriteString(strconv.Itoa(hi))
	}
	return sb.String()
}
