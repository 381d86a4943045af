// Package metadata writes the multiscale descriptor files that let viewers
// discover the levels of a pyramid: OME-NGFF .zattrs, zarr .zgroup markers
// and, for Viv, an OME-XML image description.
package metadata

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/layout"
)

const (
	attrsFile = ".zattrs"
	groupFile = ".zgroup"
	omeFile   = "METADATA.ome.xml"

	omeNamespace = "http://www.openmicroscopy.org/Schemas/OME/2016-06"
	xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"
)

// Creator is recorded in generated OME-XML documents.
var Creator = "zpyramid"

type Axis struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit,omitempty"`
}

type Transform struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale"`
}

type Dataset struct {
	Path                      string      `json:"path"`
	CoordinateTransformations []Transform `json:"coordinateTransformations,omitempty"`
}

type Multiscale struct {
	Version  string            `json:"version"`
	Name     string            `json:"name"`
	Axes     []Axis            `json:"axes,omitempty"`
	Datasets []Dataset         `json:"datasets"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Attrs is the content of a .zattrs file.
type Attrs struct {
	Multiscales []Multiscale `json:"multiscales"`
}

// NGZarrAttrs describes levels 0..levels-1 with OME-NGFF 0.4 axes and a
// per-level scale transform doubling along y and x.
func NGZarrAttrs(name string, levels int) Attrs {
	ms := Multiscale{
		Version: "0.4",
		Name:    name,
		Axes: []Axis{
			{Name: "c", Type: "channel"},
			{Name: "z", Type: "space", Unit: "micrometer"},
			{Name: "y", Type: "space", Unit: "micrometer"},
			{Name: "x", Type: "space", Unit: "micrometer"},
		},
		Metadata: map[string]string{"method": "mean"},
	}
	for l := range levels {
		f := float64(int(1) << l)
		ms.Datasets = append(ms.Datasets, Dataset{
			Path:                      strconv.Itoa(l),
			CoordinateTransformations: []Transform{{Type: "scale", Scale: []float64{1, 1, f, f}}},
		})
	}
	return Attrs{Multiscales: []Multiscale{ms}}
}

// VivAttrs describes levels 0..levels-1 in the 0.1 layout read by Viv.
func VivAttrs(name string, levels int) Attrs {
	ms := Multiscale{Version: "0.1", Name: name, Metadata: map[string]string{"method": "mean"}}
	for l := range levels {
		ms.Datasets = append(ms.Datasets, Dataset{Path: strconv.Itoa(l)})
	}
	return Attrs{Multiscales: []Multiscale{ms}}
}

// OME is the root of an OME-XML document holding one image.
type OME struct {
	XMLName        xml.Name `xml:"OME"`
	Xmlns          string   `xml:"xmlns,attr"`
	XmlnsXSI       string   `xml:"xmlns:xsi,attr"`
	Creator        string   `xml:"Creator,attr"`
	UUID           string   `xml:"UUID,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`
	Image          Image    `xml:"Image"`
}

type Image struct {
	ID     string `xml:"ID,attr"`
	Name   string `xml:"Name,attr"`
	Pixels Pixels `xml:"Pixels"`
}

type Pixels struct {
	BigEndian      bool      `xml:"BigEndian,attr"`
	DimensionOrder string    `xml:"DimensionOrder,attr"`
	ID             string    `xml:"ID,attr"`
	Interleaved    bool      `xml:"Interleaved,attr"`
	SizeC          int       `xml:"SizeC,attr"`
	SizeT          int       `xml:"SizeT,attr"`
	SizeX          int       `xml:"SizeX,attr"`
	SizeY          int       `xml:"SizeY,attr"`
	SizeZ          int       `xml:"SizeZ,attr"`
	Type           string    `xml:"Type,attr"`
	Channels       []Channel `xml:"Channel"`
}

type Channel struct {
	ID              string   `xml:"ID,attr"`
	SamplesPerPixel int      `xml:"SamplesPerPixel,attr"`
	LightPath       struct{} `xml:"LightPath"`
}

// PixelType returns the OME pixel type name of dt.
func PixelType(dt zarr.DType) string {
	switch dt {
	case zarr.Float32:
		return "float"
	case zarr.Float64:
		return "double"
	}
	if dt.Kind == zarr.KindBool {
		return "bit"
	}
	return dt.Name()
}

// NewOME describes the assembled image with a fresh document UUID.
func NewOME(name string, info grid.ImageInfo) OME {
	doc := OME{
		Xmlns:          omeNamespace,
		XmlnsXSI:       xsiNamespace,
		Creator:        Creator,
		UUID:           "urn:uuid:" + uuid.NewString(),
		SchemaLocation: omeNamespace + " " + omeNamespace + "/ome.xsd",
		Image: Image{
			ID:   "Image:0",
			Name: name,
			Pixels: Pixels{
				DimensionOrder: "XYZCT",
				ID:             "Pixels:0",
				SizeC:          info.Channels,
				SizeT:          1,
				SizeX:          info.FullWidth,
				SizeY:          info.FullHeight,
				SizeZ:          1,
				Type:           PixelType(info.DType),
			},
		},
	}
	for c := range info.Channels {
		doc.Image.Pixels.Channels = append(doc.Image.Pixels.Channels, Channel{
			ID:              fmt.Sprintf("Channel:0:%d", c),
			SamplesPerPixel: 1,
		})
	}
	return doc
}

// Writer emits metadata files into a bucket.
type Writer struct {
	bucket *blob.Bucket
	log    *slog.Logger
}

// NewWriter returns a Writer for bucket. A nil logger discards.
func NewWriter(bucket *blob.Bucket, log *slog.Logger) *Writer {
	if log == nil {
		log = logging.Discard()
	}
	return &Writer{bucket: bucket, log: log}
}

// Write emits the metadata of image name with the given number of levels,
// laid out as l. Precomputed volumes carry their own info document and get
// nothing here.
func (w *Writer) Write(ctx context.Context, l layout.Layout, name string, info grid.ImageInfo, levels int) error {
	return w.write(ctx, l, name, NewOME(name, info), levels)
}

// WriteVolume is Write for a stacked volume of the given level 0 shape,
// recording its depth and time points in the OME-XML description.
func (w *Writer) WriteVolume(ctx context.Context, l layout.Layout, name string, shape []int, dt zarr.DType, levels int) error {
	doc := NewOME(name, grid.ImageInfo{
		FullWidth:  l.Width(shape),
		FullHeight: l.Height(shape),
		Channels:   l.Channels(shape),
		DType:      dt,
	})
	doc.Image.Pixels.SizeZ = shape[l.Z]
	if t, ok := l.Axis("t"); ok {
		doc.Image.Pixels.SizeT = shape[t]
	}
	return w.write(ctx, l, name, doc, levels)
}

func (w *Writer) write(ctx context.Context, l layout.Layout, name string, doc OME, levels int) error {
	switch l.Variant {
	case layout.NGZarr:
		root := l.ArrayRoot(name)
		if err := w.writeJSON(ctx, path.Join(root, attrsFile), NGZarrAttrs(name, levels)); err != nil {
			return err
		}
		return w.writeGroup(ctx, root)

	case layout.Viv:
		// <name>.zarr/data.zarr/0
		root := l.ArrayRoot(name)
		data := path.Dir(root)
		top := path.Dir(data)
		if err := w.writeXML(ctx, path.Join(top, omeFile), doc); err != nil {
			return err
		}
		if err := w.writeJSON(ctx, path.Join(root, attrsFile), VivAttrs(name, levels)); err != nil {
			return err
		}
		if err := w.writeGroup(ctx, data); err != nil {
			return err
		}
		return w.writeGroup(ctx, root)
	}
	return nil
}

// ReadAttrs reads the .zattrs document under root.
func ReadAttrs(ctx context.Context, bucket *blob.Bucket, root string) (Attrs, error) {
	key := path.Join(root, attrsFile)
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return Attrs{}, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var attrs Attrs
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Attrs{}, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if len(attrs.Multiscales) == 0 || len(attrs.Multiscales[0].Datasets) == 0 {
		return Attrs{}, fmt.Errorf("%s lists no multiscale datasets", key)
	}
	return attrs, nil
}

func (w *Writer) writeGroup(ctx context.Context, dir string) error {
	return w.writeJSON(ctx, path.Join(dir, groupFile), map[string]int{"zarr_format": 2})
}

func (w *Writer) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return w.put(ctx, key, data, "application/json")
}

func (w *Writer) writeXML(ctx context.Context, key string, v any) error {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return w.put(ctx, key, append([]byte(xml.Header), data...), "application/xml")
}

func (w *Writer) put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := w.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	w.log.Debug("wrote metadata", "key", key, "bytes", len(data))
	return nil
}
