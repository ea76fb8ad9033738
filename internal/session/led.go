package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/device"
)

// ledOwner serializes every LED command for one session so the background
// blinker and the cleanup path never issue conflicting commands concurrently.
type ledOwner struct {
	mu     sync.Mutex
	reader device.Reader
}

func (l *ledOwner) set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reader.SetLED(on)
}

// blinkTimes toggles the LED n times synchronously as a readiness cue.
// Failures are cosmetic and only logged.
func (l *ledOwner) blinkTimes(ctx context.Context, clock clockwork.Clock, n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		if err := l.set(true); err != nil {
			log.Warn().Err(err).Msg("LED blink failed")
			return
		}
		clock.Sleep(interval)
		if err := l.set(false); err != nil {
			log.Warn().Err(err).Msg("LED blink failed")
			return
		}
		clock.Sleep(interval)
	}
}

// blinker toggles the LED at a fixed interval in the background until
// cancelled. Whatever ends it, the LED is forced off exactly once.
type blinker struct {
	led    *ledOwner
	cancel context.CancelFunc
	done   chan struct{}
	off    sync.Once
}

func startBlinker(ctx context.Context, led *ledOwner, clock clockwork.Clock, interval time.Duration) *blinker {
	ctx, cancel := context.WithCancel(ctx)
	b := &blinker{led: led, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(b.done)
		defer b.forceOff()

		ticker := clock.NewTicker(interval)
		defer ticker.Stop()

		on := true
		for {
			if err := b.led.set(on); err != nil {
				log.Warn().Err(err).Msg("LED toggle failed, stopping blinker")
				return
			}
			on = !on
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
	return b
}

// Stop cancels the blink loop and waits for the LED to settle off.
// Safe to call more than once.
func (b *blinker) Stop() {
	b.cancel()
	<-b.done
}

func (b *blinker) forceOff() {
	b.off.Do(func() {
		if err := b.led.set(false); err != nil {
			log.Warn().Err(err).Msg("could not force LED off")
		}
	})
}
