package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TuSKan/zarr-pyramid/internal/logging"
)

func TestSetup_Stderr(t *testing.T) {
	var buf bytes.Buffer
	sink, err := logging.Setup(logging.Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	sink.Logger.Info("hidden")
	sink.Logger.Warn("shown", "tile", "a.tif")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"tile":"a.tif"`)
	require.Empty(t, sink.Filename())
	require.NoError(t, sink.Shutdown())
}

func TestSetup_RotatingFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := logging.Setup(logging.Config{File: dir + "/", MaxSizeMB: 1}, nil)
	require.NoError(t, err)
	sink.Logger.Info("assembled", "tiles", 4)
	require.NoError(t, sink.Shutdown())

	name := sink.Filename()
	require.True(t, strings.HasPrefix(filepath.Base(name), "zpyramid_"))
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Contains(t, string(data), "tiles=4")
}

func TestSetup_BadLevel(t *testing.T) {
	_, err := logging.Setup(logging.Config{Level: "loud"}, nil)
	require.Error(t, err)
}

func TestDefaultFileName(t *testing.T) {
	ts := time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC)
	require.Equal(t, "zpyramid_20240305070809.log", logging.DefaultFileName(ts))
}

func TestTimeLog(t *testing.T) {
	var buf bytes.Buffer
	sink, err := logging.Setup(logging.Config{}, &buf)
	require.NoError(t, err)
	tl := logging.NewTimeLog(sink.Logger)
	tl.Info("level written", "level", 1)
	require.Contains(t, buf.String(), "elapsed=")
	require.GreaterOrEqual(t, tl.Elapsed(), time.Duration(0))
}
