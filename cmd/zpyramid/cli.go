package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	"gopkg.in/yaml.v3"

	"github.com/TuSKan/zarr-pyramid/assemble"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/config"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/internal/metrics"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/pipeline"
)

type cli struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
	metrics    *metrics.Metrics
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "zpyramid",
		Short: "Build multiscale image pyramids from tiled images",
		Long: `zpyramid assembles a grid of image tiles into one base image and
downsamples it into a pyramid in one of three layouts:

  Viv      OME-Zarr with t,c,z,y,x axes and an OME-XML description
  NG_Zarr  OME-NGFF 0.4 with c,z,y,x axes
  PCNG     Neuroglancer precomputed

Examples:
  zpyramid collection --input file:///data/tiles --pattern 'r{y:ddd}_c{x:ddd}.tif' --name slide
  zpyramid single --input /data/slide.ome.tif --variant NG_Zarr --output file:///out
  zpyramid view --images file:///data/tiles --map map.yaml --name mosaic --spacing-x 4
  zpyramid volume --input file:///data/stack --pattern 'slice_z{z:ddd}.tif' --group-by z --name brain
  zpyramid plate --wells file:///out --map wells.yaml --name plate01`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "Config file (yaml, json or toml)")
	pf.Int("workers", 0, "Concurrent tile and chunk tasks")
	pf.Int("min-dim", 0, "Stop the pyramid once the larger side is below this size")
	pf.String("variant", "", "Output layout: Viv, NG_Zarr or PCNG")
	pf.String("output", "", "Output bucket URL")
	pf.StringArray("reducer", nil, "Channel reducer as channel=mean|mode_max|mode_min (repeatable)")
	pf.String("default-reducer", "", "Reducer of channels without an assignment")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text or json")
	pf.String("log-file", "", "Rotating log file; a trailing slash picks a timestamped name")
	pf.String("metrics-file", "", "Write prometheus metrics to this textfile on exit")

	root.AddCommand(newCollectionCommand(c))
	root.AddCommand(newSingleCommand(c))
	root.AddCommand(newViewCommand(c))
	root.AddCommand(newVolumeCommand(c))
	root.AddCommand(newPlateCommand(c))
	root.AddCommand(newConfigCommand())
	return root
}

// run loads the configuration, sets up logging and metrics around fn and
// flushes them afterwards, also when fn fails.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline.Pipeline) error) (err error) {
	c.cfg, err = config.Load(c.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	sink, err := logging.Setup(c.cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return failure.Configf("logging: %v", err)
	}
	defer sink.Shutdown()
	c.log = sink.Logger
	c.metrics = metrics.New()
	defer func() {
		if c.cfg.MetricsFile == "" {
			return
		}
		if werr := c.metrics.WriteTextfile(c.cfg.MetricsFile); werr != nil {
			c.log.Error("failed to write metrics", "file", c.cfg.MetricsFile, "error", werr)
		}
	}()

	variant, err := layout.ParseVariant(c.cfg.Variant)
	if err != nil {
		return err
	}
	reducers, err := c.cfg.ReducerConfig()
	if err != nil {
		return err
	}
	p, err := pipeline.New(pipeline.Options{
		Variant:  variant,
		MinDim:   c.cfg.MinDim,
		Reducers: reducers,
		Workers:  c.cfg.Workers,
		Logger:   c.log,
		Metrics:  c.metrics,
	})
	if err != nil {
		return err
	}
	if err := fn(cmd.Context(), p); err != nil {
		c.log.Error("run failed", "command", cmd.Name(), "error", err)
		return err
	}
	return nil
}

func (c *cli) report(cmd *cobra.Command, res *pipeline.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d, %d channel(s), %s, %d level(s) in %s\n",
		res.Name, res.Info.FullWidth, res.Info.FullHeight, res.Info.Channels, res.Info.DType.Name(),
		len(res.Levels), c.cfg.Output)
}

func openBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, failure.StoreOpen(url, err)
	}
	return b, nil
}

func newCollectionCommand(c *cli) *cobra.Command {
	var input, dir, pattern, name string
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Build a pyramid from a directory of tiles named by a pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				in, err := openBucket(ctx, input)
				if err != nil {
					return err
				}
				defer in.Close()
				res, err := p.GenerateFromCollection(ctx, pipeline.CollectionRequest{
					Input:   in,
					Dir:     dir,
					Pattern: pattern,
					Name:    name,
					Output:  c.cfg.Template(),
				})
				if err != nil {
					return err
				}
				c.report(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Bucket URL holding the tiles")
	cmd.Flags().StringVar(&dir, "dir", "", "Key prefix of the tiles inside the input bucket")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Tile file name pattern with {x}, {y} and optional {c} groups")
	cmd.Flags().StringVar(&name, "name", "", "Output image name")
	for _, f := range []string{"input", "pattern", "name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newSingleCommand(c *cli) *cobra.Command {
	var input, key string
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Build a pyramid from one image",
		Long: `Build a pyramid from one image. --input is a local file, or a bucket
URL when --key names the object inside it. The output is named after the
file name without extensions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				url := input
				if key == "" {
					abs, err := filepath.Abs(input)
					if err != nil {
						return failure.Configf("input %q: %v", input, err)
					}
					url, key = "file://"+filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs)
				}
				in, err := openBucket(ctx, url)
				if err != nil {
					return err
				}
				defer in.Close()
				res, err := p.GenerateFromSingleFile(ctx, pipeline.SingleFileRequest{
					Input:  in,
					Key:    key,
					Output: c.cfg.Template(),
				})
				if err != nil {
					return err
				}
				c.report(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Image file, or bucket URL with --key")
	cmd.Flags().StringVar(&key, "key", "", "Object key of the image inside the --input bucket")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// readMap decodes a YAML document mapping image keys to {x, y, c}.
func readMap(path string) (map[string]grid.Coord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("read image map: %v", err)
	}
	var m map[string]grid.Coord
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, failure.Configf("parse image map %s: %v", path, err)
	}
	return m, nil
}

func newViewCommand(c *cli) *cobra.Command {
	var images, mapPath, newMapPath, name string
	var spacing assemble.Spacing
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Stage a mapped tile collection and render a pyramid of it",
		Long: `Assemble the tiles listed in --map into a staged base level, then
write the pyramid of that base rearranged by --new-map (or --map when unset)
with --spacing-x/--spacing-y pixels of empty margin around every tile.

Map files are YAML:
  tile_001.tif: {x: 0, y: 0}
  tile_002.tif: {x: 1, y: 0, c: 0}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				oldMap, err := readMap(mapPath)
				if err != nil {
					return err
				}
				var newMap map[string]grid.Coord
				if newMapPath != "" {
					if newMap, err = readMap(newMapPath); err != nil {
						return err
					}
				}
				in, err := openBucket(ctx, images)
				if err != nil {
					return err
				}
				defer in.Close()

				v, err := p.NewView(ctx, pipeline.ViewRequest{
					Images: in,
					Name:   name,
					Map:    oldMap,
					Output: c.cfg.Template(),
				})
				if err != nil {
					return err
				}
				defer v.Close()
				if err := v.Build(ctx); err != nil {
					return err
				}
				res, err := v.Generate(ctx, newMap, spacing)
				if err != nil {
					return err
				}
				c.report(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&images, "images", "", "Bucket URL holding the images named in the map")
	cmd.Flags().StringVar(&mapPath, "map", "", "YAML image map used to stage the base level")
	cmd.Flags().StringVar(&newMapPath, "new-map", "", "YAML image map of the rendered arrangement")
	cmd.Flags().StringVar(&name, "name", "", "Output image name")
	cmd.Flags().IntVar(&spacing.X, "spacing-x", 0, "Empty pixels on the left and right of every tile")
	cmd.Flags().IntVar(&spacing.Y, "spacing-y", 0, "Empty pixels above and below every tile")
	for _, f := range []string{"images", "map", "name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newVolumeCommand(c *cli) *cobra.Command {
	var req pipeline.VolumeRequest
	var input string
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Stack same-sized images into a volume and build its 3D pyramid",
		Long: `Stack the images matching --pattern along the axis named by --group-by
(z, c or t), ordered by that pattern variable, then halve x, y and z
together at every level.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				in, err := openBucket(ctx, input)
				if err != nil {
					return err
				}
				defer in.Close()
				req.Input = in
				req.Output = c.cfg.Template()
				res, err := p.GenerateVolume(ctx, req)
				if err != nil {
					return err
				}
				c.report(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Bucket URL holding the images")
	cmd.Flags().StringVar(&req.Dir, "dir", "", "Key prefix of the images inside the input bucket")
	cmd.Flags().StringVar(&req.Pattern, "pattern", "", "Image file name pattern holding the --group-by variable")
	cmd.Flags().StringVar(&req.GroupBy, "group-by", "z", "Stacking axis and pattern variable: z, c or t")
	cmd.Flags().StringVar(&req.Name, "name", "", "Output image name")
	cmd.Flags().IntVar(&req.ChunkSize, "chunk-size", pipeline.DefaultVolumeChunk, "Chunk width and height")
	for _, f := range []string{"input", "pattern", "name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// wellEntry places one well pyramid on the plate grid.
type wellEntry struct {
	X    int    `yaml:"x"`
	Y    int    `yaml:"y"`
	C    int    `yaml:"c"`
	Well string `yaml:"well"`
}

// readWellMap decodes a YAML list of wells.
func readWellMap(path string) (map[grid.Coord]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("read well map: %v", err)
	}
	var entries []wellEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, failure.Configf("parse well map %s: %v", path, err)
	}
	m := make(map[grid.Coord]string, len(entries))
	for _, e := range entries {
		at := grid.Coord{X: e.X, Y: e.Y, C: e.C}
		if prev, dup := m[at]; dup {
			return nil, failure.Configf("wells %q and %q share position (%d, %d, %d)", prev, e.Well, e.X, e.Y, e.C)
		}
		m[at] = e.Well
	}
	return m, nil
}

func newPlateCommand(c *cli) *cobra.Command {
	var wells, mapPath, name string
	var chunk int
	cmd := &cobra.Command{
		Use:   "plate",
		Short: "Compose a plate pyramid from existing well pyramids",
		Long: `Lay out the well pyramids listed in --map on a plate grid and write
every tile of every plate level from the matching well level.

Map files are YAML lists; well names are as given to --name when the
well pyramids were built:
  - {x: 0, y: 0, c: 0, well: A01}
  - {x: 1, y: 0, c: 0, well: A02}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				wellMap, err := readWellMap(mapPath)
				if err != nil {
					return err
				}
				in, err := openBucket(ctx, wells)
				if err != nil {
					return err
				}
				defer in.Close()
				plate, err := p.NewPlate(ctx, pipeline.PlateRequest{Wells: in, Name: name, Output: c.cfg.Template(), ChunkSize: chunk})
				if err != nil {
					return err
				}
				defer plate.Close()
				if err := plate.SetWellMap(ctx, wellMap); err != nil {
					return err
				}
				if err := plate.ComposeAll(ctx); err != nil {
					return err
				}
				cols, rows, err := plate.TileGrid(0)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d well(s), %dx%d tile(s) at level 0, %d level(s) in %s\n",
					name, len(wellMap), cols, rows, plate.Levels(), c.cfg.Output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wells, "wells", "", "Bucket URL holding the well pyramids")
	cmd.Flags().StringVar(&mapPath, "map", "", "YAML list placing wells on the plate grid")
	cmd.Flags().StringVar(&name, "name", "", "Output plate name")
	cmd.Flags().IntVar(&chunk, "chunk-size", pipeline.DefaultPlateChunk, "Tile and chunk width and height")
	for _, f := range []string{"wells", "map", "name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "zpyramid.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", strings.TrimPrefix(path, "./"))
			return nil
		},
	})
	return cmd
}
