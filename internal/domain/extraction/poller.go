package extraction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Source is what the poller reads on every tick.
type Source interface {
	Boxes(ctx context.Context) ([]BoxView, error)
	Waiting(ctx context.Context) ([]WaitingEntry, error)
}

// View is one poll result. Seq orders results by when their fetch was
// issued, not by when it completed.
type View struct {
	Seq       uint64         `json:"seq"`
	Boxes     []BoxView      `json:"boxes"`
	Waiting   []WaitingEntry `json:"waiting"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// Poller refreshes the extraction board on a fixed interval. A tick fires
// a new fetch even while an earlier one is still running; a result is
// applied only if no later-issued fetch has been applied already.
type Poller struct {
	src      Source
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	onApply func(View)

	seq     atomic.Uint64
	mu      sync.RWMutex
	applied uint64
	latest  *View

	// pushMu orders onApply calls; pushed is the last delivered seq.
	pushMu sync.Mutex
	pushed uint64
}

func NewPoller(src Source, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		src:      src,
		interval: interval,
		timeout:  4 * interval,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// OnApply registers fn to receive every applied view. Call it before Start.
func (p *Poller) OnApply(fn func(View)) {
	p.onApply = fn
}

// Start polls until ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Poll(ctx)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Poll(ctx)
			}()
		}
	}
}

// Poll runs one fetch and reports whether its result was applied.
func (p *Poller) Poll(ctx context.Context) bool {
	seq := p.seq.Add(1)
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	boxes, err := p.src.Boxes(fctx)
	if err != nil {
		p.logger.Warn().Err(err).Uint64("seq", seq).Msg("poll boxes")
		return false
	}
	waiting, err := p.src.Waiting(fctx)
	if err != nil {
		p.logger.Warn().Err(err).Uint64("seq", seq).Msg("poll waiting list")
		return false
	}
	v := View{Seq: seq, Boxes: boxes, Waiting: waiting, FetchedAt: time.Now()}
	if !p.apply(v) {
		return false
	}
	p.push(v)
	return true
}

// push hands v to the OnApply callback unless a newer view has been
// applied in the meantime. Delivered sequences strictly increase.
func (p *Poller) push(v View) {
	if p.onApply == nil {
		return
	}
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	p.mu.RLock()
	current := p.applied
	p.mu.RUnlock()
	if v.Seq != current || v.Seq <= p.pushed {
		p.logger.Debug().Uint64("seq", v.Seq).Uint64("applied", current).Msg("skipping superseded push")
		return
	}
	p.pushed = v.Seq
	p.onApply(v)
}

func (p *Poller) apply(v View) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.Seq <= p.applied {
		p.logger.Debug().Uint64("seq", v.Seq).Uint64("applied", p.applied).Msg("dropping superseded poll")
		return false
	}
	p.applied = v.Seq
	p.latest = &v
	return true
}

// Latest returns the most recently applied view. ok is false before the
// first successful poll.
func (p *Poller) Latest() (View, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return View{}, false
	}
	return *p.latest, true
}
