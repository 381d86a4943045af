package pool_test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/pool"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := pool.New(3)
	var running, peak, total atomic.Int32
	for i := 0; i < 20; i++ {
		p.Submit(fmt.Sprintf("t%02d", i), func() error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			total.Add(1)
			return nil
		})
	}
	require.NoError(t, p.Barrier("stage"))
	require.EqualValues(t, 20, total.Load())
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Equal(t, 3, p.Size())
}

func TestPool_SubmitDoesNotBlock(t *testing.T) {
	p := pool.New(1)
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		p.Submit(fmt.Sprint(i), func() error {
			<-release
			return nil
		})
	}
	// All ten submissions returned while the single worker is blocked.
	close(release)
	require.NoError(t, p.Barrier("stage"))
}

func TestPool_CollectsFailuresWithoutStoppingSiblings(t *testing.T) {
	p := pool.New(4)
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("tile-%d", i)
		switch i {
		case 3:
			p.Submit(id, func() error { return failure.Read(id, errors.New("corrupt")) })
		case 5:
			p.Submit(id, func() error { panic("boom") })
		case 7:
			p.Submit(id, func() error { return errors.New("plain") })
		default:
			p.Submit(id, func() error { ok.Add(1); return nil })
		}
	}

	err := p.Barrier("assemble")
	require.Error(t, err)
	require.EqualValues(t, 7, ok.Load())

	var pf *failure.PartialFailure
	require.ErrorAs(t, err, &pf)
	require.Equal(t, "assemble", pf.Stage)
	require.Equal(t, []string{"tile-3", "tile-5", "tile-7"}, pf.Failed())
	require.ErrorIs(t, err, failure.ErrTileRead)

	kinds := map[string]failure.TaskKind{}
	for _, f := range pf.Failures {
		require.Equal(t, "assemble", f.Stage)
		kinds[f.ID] = f.Kind
	}
	require.Equal(t, failure.KindRead, kinds["tile-3"])
	require.Equal(t, failure.KindPanic, kinds["tile-5"])
	require.Equal(t, failure.KindOther, kinds["tile-7"])

	// The barrier resets the pool for the next stage.
	p.Submit("next", func() error { return nil })
	require.NoError(t, p.Barrier("pyramid"))
}

func TestPool_BarrierWithoutTasks(t *testing.T) {
	require.NoError(t, pool.New(0).Barrier("empty"))
}
