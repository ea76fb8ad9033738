package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapsToSentinels(t *testing.T) {
	cases := []struct {
		code Code
		want error
	}{
		{CodeTimeout, ErrTimeout},
		{CodeWrongImage, ErrNoFinger},
		{CodeNotFound, ErrNotFound},
		{CodeFeatNumber, ErrInadequateMinutiae},
	}
	for _, tc := range cases {
		err := &Error{Op: "capture", Code: tc.code}
		assert.ErrorIs(t, err, tc.want, "code %d", tc.code)
	}

	other := &Error{Op: "open", Code: CodeChipInit}
	assert.NotErrorIs(t, other, ErrTimeout)
	assert.Contains(t, other.Error(), "chip initialization failed")
}

func TestLockFailsFastWhenHeld(t *testing.T) {
	l := NewLock()
	require.True(t, l.TryAcquire())
	assert.True(t, l.Held())
	assert.False(t, l.TryAcquire(), "second session must not queue")

	l.Release()
	assert.False(t, l.Held())
	assert.True(t, l.TryAcquire())
	l.Release()
}

func TestLockReleaseWithoutHoldPanics(t *testing.T) {
	l := NewLock()
	assert.Panics(t, func() { l.Release() })
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	d := NewDispatcher(2)

	var mu sync.Mutex
	var inFlight, peak int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), func() error {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 2)
}

func TestDispatcherWaitIsCancellable(t *testing.T) {
	d := NewDispatcher(1)
	release := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), func() error {
			<-release
			return nil
		})
	}()
	time.Sleep(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestSimulatorLifecycleGuards(t *testing.T) {
	sim := NewSimulator(t.TempDir())

	assert.Error(t, sim.Init(AutoDetect), "init before create")
	assert.Error(t, sim.Open(AutoDetect), "open before create")
	_, err := sim.Info()
	assert.Error(t, err, "info before open")

	require.NoError(t, sim.Create())
	require.NoError(t, sim.Init(AutoDetect))
	require.NoError(t, sim.Open(AutoDetect))

	info, err := sim.Info()
	require.NoError(t, err)
	assert.Equal(t, 300, info.Width)
	assert.Equal(t, 400, info.Height)

	require.NoError(t, sim.Close())
	require.NoError(t, sim.Terminate())
}

func TestSimulatorCaptureTimesOutWithoutSamples(t *testing.T) {
	sim := NewSimulator(t.TempDir())
	require.NoError(t, sim.Create())
	require.NoError(t, sim.Init(AutoDetect))
	require.NoError(t, sim.Open(AutoDetect))
	defer sim.Terminate()
	defer sim.Close()

	start := time.Now()
	_, err := sim.Capture(context.Background(), 10*time.Millisecond, 30)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSimulatorCaptureHonoursCancellation(t *testing.T) {
	sim := NewSimulator(t.TempDir())
	require.NoError(t, sim.Create())
	require.NoError(t, sim.Init(AutoDetect))
	require.NoError(t, sim.Open(AutoDetect))
	defer sim.Terminate()
	defer sim.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Capture(ctx, time.Minute, 30)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSimulatorBrightnessBounds(t *testing.T) {
	sim := NewSimulator(t.TempDir())
	assert.Error(t, sim.SetBrightness(101))
	assert.Error(t, sim.SetBrightness(-1))
	assert.NoError(t, sim.SetBrightness(50))
}

func TestSimulatorQualityValidatesGeometry(t *testing.T) {
	sim := NewSimulator(t.TempDir())
	_, err := sim.Quality(make([]byte, 10), 300, 400)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, CodeInvalidParam, derr.Code)
}

func TestContrastScore(t *testing.T) {
	flat := make([]byte, 1000)
	for i := range flat {
		flat[i] = 128
	}
	assert.Zero(t, contrastScore(flat), "flat frame has no ridges")

	ridged := make([]byte, 1000)
	for i := range ridged {
		if i%2 == 0 {
			ridged[i] = 255
		}
	}
	assert.Greater(t, contrastScore(ridged), 50)
	assert.LessOrEqual(t, contrastScore(ridged), 100)
	assert.Zero(t, contrastScore(nil))
}

func TestFitGrayRoundTrip(t *testing.T) {
	raw := []byte{0, 64, 128, 255}
	g := grayFromRaw(raw, 2, 2)
	out := fitGray(g, 2, 2)
	assert.Equal(t, raw, out)

	grown := fitGray(g, 4, 4)
	assert.Len(t, grown, 16)
	assert.Equal(t, raw[0], grown[0])
}

func TestProbeRunsFullCycle(t *testing.T) {
	sim := NewSimulator(t.TempDir())
	info, err := Probe(sim)
	require.NoError(t, err)
	assert.Equal(t, "SIM-0001", info.SerialNumber)

	// The probe must leave the handle fully torn down.
	assert.Error(t, sim.Open(AutoDetect))
	_, err = sim.Info()
	assert.Error(t, err)
}
