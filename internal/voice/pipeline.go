// Package voice drives the push-to-talk capture state machine:
// microphone acquisition, time-boxed recording, encoding, upload handoff
// and local playback, with unconditional resource release on every exit
// path.
package voice

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/blobstore"
	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/metrics"
	"github.com/comtalk/comtalk/internal/model"
)

// AudioSender creates the audio message once the payload is uploaded.
// Implemented by dispatch.Dispatcher.
type AudioSender interface {
	SendAudio(ctx context.Context, conversationID, audioRef, durationLabel string) (model.Message, error)
}

// Result reports a completed capture. Local results were routed to the
// local playback path because no send target was selected.
type Result struct {
	ConversationID string
	AudioRef       string
	DurationLabel  string
	Local          bool
}

// Config tunes capture limits.
type Config struct {
	// MaxDuration is the recording ceiling; reaching it stops the capture
	// exactly as a manual stop would. Default 30s.
	MaxDuration time.Duration
	// MinDuration discards captures shorter than this. Default 1s.
	MinDuration time.Duration
	// Clock drives the elapsed counter and ceiling; tests inject a mock.
	Clock clock.Clock
}

// Pipeline is the voice capture state machine. One capture session is
// active at a time; a second start while one is active is rejected.
type Pipeline struct {
	device  Device
	encoder Encoder
	blobs   blobstore.Store
	sender  AudioSender
	bus     *bus.Bus
	metrics *metrics.Collector
	logger  *zap.Logger
	clk     clock.Clock
	maxDur  time.Duration
	minDur  time.Duration

	mu      sync.Mutex
	state   State
	gen     int
	rec     Recorder
	ticker  *clock.Ticker
	done    chan struct{}
	elapsed int
	target  string

	errs    chan error
	results chan Result
}

// NewPipeline creates a pipeline in Idle.
func NewPipeline(device Device, encoder Encoder, blobs blobstore.Store, sender AudioSender, b *bus.Bus, m *metrics.Collector, logger *zap.Logger, cfg Config) *Pipeline {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Second
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if encoder == nil {
		encoder = ConcatEncoder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		device:  device,
		encoder: encoder,
		blobs:   blobs,
		sender:  sender,
		bus:     b,
		metrics: m,
		logger:  logger,
		clk:     cfg.Clock,
		maxDur:  cfg.MaxDuration,
		minDur:  cfg.MinDuration,
		state:   Idle,
		errs:    make(chan error, 8),
		results: make(chan Result, 8),
	}
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Elapsed returns the elapsed recording seconds of the active session.
func (p *Pipeline) Elapsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed
}

// Errors delivers capture and upload failures to the UI.
func (p *Pipeline) Errors() <-chan error { return p.errs }

// Results delivers completed captures, including local-only ones.
func (p *Pipeline) Results() <-chan Result { return p.results }

// Start begins a capture session targeting the given conversation. An
// empty target is allowed: the payload is then routed to local playback
// at stop instead of upload. Returns model.ErrInvalidState if a session
// is already active.
func (p *Pipeline) Start(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return fmt.Errorf("%w: capture already active (%s)", model.ErrInvalidState, p.state)
	}
	p.gen++
	gen := p.gen
	p.target = conversationID
	p.elapsed = 0
	p.transitionLocked(RequestingPermission)
	p.mu.Unlock()

	rec, err := p.device.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("acquire device: %w", err)
		p.fail(gen, err)
		return err
	}

	p.mu.Lock()
	if p.gen != gen || p.state != RequestingPermission {
		// Torn down while the permission prompt was pending.
		p.mu.Unlock()
		_ = rec.Close()
		return nil
	}
	p.rec = rec
	p.ticker = p.clk.Ticker(time.Second)
	p.done = make(chan struct{})
	p.transitionLocked(Recording)
	ticker, done := p.ticker, p.done
	p.mu.Unlock()

	go p.tickLoop(ctx, gen, ticker, done)
	return nil
}

// Stop ends the active recording and runs the capture to completion:
// encode, then upload and send, or local playback when no target was
// selected. The max-duration ceiling calls this same path.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	gen := p.gen
	if p.state == RequestingPermission {
		// Released before the device was granted; nothing was captured.
		p.mu.Unlock()
		p.Cancel()
		return nil
	}
	if p.state != Recording {
		p.mu.Unlock()
		return fmt.Errorf("%w: no active recording (%s)", model.ErrInvalidState, p.state)
	}
	p.transitionLocked(Stopping)
	rec := p.rec
	p.rec = nil
	p.clearTimersLocked()
	elapsed := p.elapsed
	target := p.target
	p.mu.Unlock()

	// The microphone handle is released here unconditionally, before
	// encoding or upload can fail.
	chunks := rec.Drain()
	if err := rec.Close(); err != nil {
		p.logger.Warn("device release failed", zap.Error(err))
	}

	if time.Duration(elapsed)*time.Second < p.minDur {
		p.finishTerminal(gen, Cancelled, "too_short")
		return nil
	}

	if err := p.advance(gen, Encoding); err != nil {
		return nil
	}
	payload, err := p.encoder.Encode(chunks)
	if err != nil {
		err = fmt.Errorf("encode: %w", err)
		p.fail(gen, err)
		return err
	}

	label := formatDuration(elapsed)
	name := fmt.Sprintf("audio_%d.webm", p.clk.Now().UnixMilli())

	if target == "" {
		// Degraded mode: no send target, keep the recording playable
		// locally rather than dropping it.
		ref, err := p.blobs.Put(ctx, name, payload)
		if err != nil {
			err = fmt.Errorf("store local payload: %w", err)
			p.fail(gen, err)
			return err
		}
		if p.advance(gen, Sent) != nil {
			return nil
		}
		p.deliver(Result{AudioRef: ref, DurationLabel: label, Local: true})
		p.finishTerminal(gen, Idle, "local")
		return nil
	}

	if err := p.advance(gen, Uploading); err != nil {
		return nil
	}
	ref, err := p.blobs.Put(ctx, name, payload)
	if err != nil {
		err = fmt.Errorf("%w: upload: %v", model.ErrTransientIO, err)
		p.fail(gen, err)
		return err
	}
	if _, err := p.sender.SendAudio(ctx, target, ref, label); err != nil {
		err = fmt.Errorf("send audio message: %w", err)
		p.fail(gen, err)
		return err
	}
	if p.advance(gen, Sent) != nil {
		return nil
	}
	p.deliver(Result{ConversationID: target, AudioRef: ref, DurationLabel: label})
	p.finishTerminal(gen, Idle, "sent")
	return nil
}

// Cancel aborts the active session from any non-terminal state, releasing
// the device and timers synchronously. Safe to call when idle.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	switch p.state {
	case Idle, Sent, Cancelled, Failed:
		p.mu.Unlock()
		return
	}
	p.gen++ // invalidate any in-flight work
	rec := p.rec
	p.rec = nil
	p.clearTimersLocked()
	p.transitionLocked(Cancelled)
	p.transitionLocked(Idle)
	p.mu.Unlock()

	if rec != nil {
		_ = rec.Close()
	}
	p.metrics.VoiceSession("cancelled")
}

// Close force-releases all resources; called on component teardown. The
// outcome is identical to Cancel from whatever state the pipeline is in.
func (p *Pipeline) Close() {
	p.Cancel()
}

func (p *Pipeline) tickLoop(ctx context.Context, gen int, ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if p.gen != gen || p.state != Recording {
				p.mu.Unlock()
				return
			}
			p.elapsed++
			elapsed := p.elapsed
			p.mu.Unlock()

			p.publish(bus.KindVoiceTick, elapsed)
			if time.Duration(elapsed)*time.Second >= p.maxDur {
				// Ceiling reached: same path as a manual stop.
				if err := p.Stop(ctx); err != nil {
					p.logger.Warn("auto-stop failed", zap.Error(err))
				}
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			p.Cancel()
			return
		}
	}
}

// advance moves the session forward unless it was invalidated (cancelled
// or failed) in the meantime.
func (p *Pipeline) advance(gen int, to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return model.ErrInvalidState
	}
	return p.transitionLocked(to)
}

// fail releases whatever is still held, surfaces the error, and resets to
// Idle. Safe from any non-terminal state.
func (p *Pipeline) fail(gen int, err error) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.gen++
	rec := p.rec
	p.rec = nil
	p.clearTimersLocked()
	p.transitionLocked(Failed)
	p.transitionLocked(Idle)
	p.mu.Unlock()

	if rec != nil {
		_ = rec.Close()
	}
	p.metrics.VoiceSession("failed")
	p.logger.Error("capture failed", zap.Error(err))
	p.publish(bus.KindVoiceError, err.Error())
	select {
	case p.errs <- err:
	default:
	}
}

// finishTerminal walks through a terminal state (or directly to Idle when
// the terminal transition already happened) and records the outcome.
func (p *Pipeline) finishTerminal(gen int, terminal State, outcome string) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.gen++
	if terminal != Idle {
		p.transitionLocked(terminal)
	}
	p.transitionLocked(Idle)
	p.mu.Unlock()
	p.metrics.VoiceSession(outcome)
}

func (p *Pipeline) deliver(res Result) {
	select {
	case p.results <- res:
	default:
	}
}

// clearTimersLocked stops the elapsed ticker and wakes the tick loop.
// Every exit path runs through here; a timer alive after teardown is a
// resource leak.
func (p *Pipeline) clearTimersLocked() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
}

func (p *Pipeline) transitionLocked(to State) error {
	allowed := validTransitions[p.state]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidState, p.state, to)
	}
	from := p.state
	p.state = to
	if p.bus != nil {
		p.bus.Publish(bus.Event{
			Kind:      bus.KindVoiceState,
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
	return nil
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}

// formatDuration renders elapsed seconds as m:ss.
func formatDuration(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
