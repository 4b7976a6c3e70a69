package heartbeat

import (
	"math"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

const (
	// DefaultInterval is how often the host re-asserts playback state.
	DefaultInterval = 5 * time.Second
	// DefaultThreshold is the drift, in seconds, beyond which a guest
	// player is force-seeked. Smaller drift is left alone to avoid
	// visible stutter from sub-threshold jitter.
	DefaultThreshold = 2.0
)

// Source samples the host's local player. loaded reports whether media is
// present at all; no heartbeat is emitted without it.
type Source interface {
	Sample() (position float64, isPlaying bool, loaded bool)
}

// EmitFunc carries one heartbeat toward the transport.
type EmitFunc func(position float64, isPlaying bool)

// Ticker is the host-side drift bound: a fixed-period timer that samples
// the local player and emits a heartbeat while a video is loaded. There is
// no retry; the next tick re-asserts state.
type Ticker struct {
	interval time.Duration
	source   Source
	emit     EmitFunc

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stop      chan struct{}
	done      chan struct{}
}

func NewTicker(interval time.Duration, source Source, emit EmitFunc) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{
		interval: interval,
		source:   source,
		emit:     emit,
		started:  make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the timer goroutine. Calling it again is a no-op.
func (t *Ticker) Start() {
	t.startOnce.Do(func() {
		close(t.started)
		go t.run()
	})
}

// Stop cancels the timer and waits for the goroutine to exit. Safe to
// call more than once, and on a ticker that was never started; a tick
// that fires during teardown is discarded.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	select {
	case <-t.started:
		<-t.done
	default:
	}
}

func (t *Ticker) run() {
	ticker := time.NewTicker(t.interval)
	defer func() {
		ticker.Stop()
		close(t.done)
	}()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			select {
			case <-t.stop:
				return
			default:
			}
			position, isPlaying, loaded := t.source.Sample()
			if !loaded {
				continue
			}
			t.emit(position, isPlaying)
		}
	}
}

// Player is the guest-side local video surface the corrector steers.
type Player interface {
	Position() float64
	SetPlaying(playing bool)
	Seek(position float64)
}

// Corrector follows host-originated state on a guest. Play/pause is
// adopted immediately; position only triggers a seek past the threshold.
type Corrector struct {
	player    Player
	threshold float64
}

func NewCorrector(player Player, threshold float64) *Corrector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Corrector{player: player, threshold: threshold}
}

// Apply handles a heartbeat or sync_status from the host.
func (c *Corrector) Apply(position float64, isPlaying bool) {
	c.player.SetPlaying(isPlaying)
	drift := math.Abs(c.player.Position() - position)
	if drift > c.threshold {
		log.Debugf("drift %.2fs exceeds threshold, seeking to %.2f", drift, position)
		c.player.Seek(position)
	}
}

// ApplySeek handles an explicit host seek, which is never dampened.
func (c *Corrector) ApplySeek(position float64) {
	c.player.Seek(position)
}
