package pyramid

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/TuSKan/zarr-pyramid/failure"
)

// Reducer collapses a block of up to 2x2 samples into one.
type Reducer int

const (
	// Mean is the arithmetic mean. Integer samples take its floor.
	Mean Reducer = iota
	// ModeMax is the element-wise maximum, for label and mask channels.
	ModeMax
	// ModeMin is the element-wise minimum.
	ModeMin
)

func (r Reducer) String() string {
	switch r {
	case Mean:
		return "mean"
	case ModeMax:
		return "mode_max"
	case ModeMin:
		return "mode_min"
	}
	return "Reducer(" + strconv.Itoa(int(r)) + ")"
}

// ParseReducer accepts the names produced by String, case-insensitively,
// plus "max" and "min".
func ParseReducer(s string) (Reducer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mean", "avg", "average":
		return Mean, nil
	case "mode_max", "modemax", "max":
		return ModeMax, nil
	case "mode_min", "modemin", "min":
		return ModeMin, nil
	}
	return 0, failure.Configf("unknown reducer %q", s)
}

func (r Reducer) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Reducer) UnmarshalText(b []byte) error {
	parsed, err := ParseReducer(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ReducerConfig assigns reducers to channels. Channels absent from
// Channels use Default; with no Default such a channel is a configuration
// error.
type ReducerConfig struct {
	Channels map[int]Reducer
	Default  *Reducer
}

// Uniform returns a config applying r to every channel.
func Uniform(r Reducer) ReducerConfig {
	return ReducerConfig{Default: &r}
}

// ParseReducerConfig builds a config from channel=reducer assignments such
// as "0=mean" and an optional default reducer name.
func ParseReducerConfig(assignments []string, def string) (ReducerConfig, error) {
	cfg := ReducerConfig{Channels: make(map[int]Reducer, len(assignments))}
	for _, a := range assignments {
		ch, name, ok := strings.Cut(a, "=")
		if !ok {
			return ReducerConfig{}, failure.Configf("reducer assignment %q is not channel=reducer", a)
		}
		c, err := strconv.Atoi(strings.TrimSpace(ch))
		if err != nil || c < 0 {
			return ReducerConfig{}, failure.Configf("reducer assignment %q: bad channel", a)
		}
		r, err := ParseReducer(name)
		if err != nil {
			return ReducerConfig{}, err
		}
		cfg.Channels[c] = r
	}
	if def != "" {
		r, err := ParseReducer(def)
		if err != nil {
			return ReducerConfig{}, err
		}
		cfg.Default = &r
	}
	return cfg, nil
}

// For returns the reducer of channel.
func (c ReducerConfig) For(channel int) (Reducer, bool) {
	if r, ok := c.Channels[channel]; ok {
		return r, true
	}
	if c.Default != nil {
		return *c.Default, true
	}
	return 0, false
}

// Resolve returns the reducer of each of the first n channels.
func (c ReducerConfig) Resolve(n int) ([]Reducer, error) {
	out := make([]Reducer, n)
	var missing []int
	for ch := range out {
		r, ok := c.For(ch)
		if !ok {
			missing = append(missing, ch)
			continue
		}
		out[ch] = r
	}
	if len(missing) > 0 {
		return nil, failure.Configf("no reducer for channels %v and no default", missing)
	}
	return out, nil
}

func (c ReducerConfig) String() string {
	var b strings.Builder
	for _, ch := range slices.Sorted(maps.Keys(c.Channels)) {
		fmt.Fprintf(&b, "%d=%s ", ch, c.Channels[ch])
	}
	if c.Default != nil {
		b.WriteString("default=" + c.Default.String())
	}
	return strings.TrimSpace(b.String())
}
