// Package pipeline ties the capture stack together: capture a best-of-N
// round, post-process, convert to SSDV, wait for the transmit queue to
// drain, enqueue, advance the image id, repeat until stopped.
//
// Every stage failure is handled inside the cycle; the loop never
// terminates itself on error. A wedged camera is recovered by closing and
// reopening the session, indefinitely, because a wasted cycle costs less
// than a dead mission.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cjeanneret/SkyGo/internal/debug"
	"github.com/cjeanneret/SkyGo/internal/hw/led"
	"github.com/cjeanneret/SkyGo/internal/logic/acquire"
)

// State of the orchestrator loop.
type State int

const (
	Idle State = iota
	Running
	Capturing
	Recovering
	Draining
	Enqueuing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Capturing:
		return "capturing"
	case Recovering:
		return "recovering"
	case Draining:
		return "draining"
	case Enqueuing:
		return "enqueuing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the camera session slice the orchestrator owns.
type Session interface {
	acquire.CaptureSession
	Open() error
	Close()
	Ready() bool
}

// BestCapturer runs one best-of-N capture round to dest.
type BestCapturer interface {
	CaptureBest(sess acquire.CaptureSession, count int, interDelay time.Duration, dest string) error
}

// Encoder converts a captured JPEG into a downlink artifact.
type Encoder interface {
	Encode(src string, imageID, quality int) (string, error)
}

// TransmitQueue is the downstream packet sink. The orchestrator only reads
// its empty-state and appends artifact files; buffering is the queue's own
// business.
type TransmitQueue interface {
	ImageQueueEmpty() bool
	QueueImageFile(path string) (int, error)
}

// PostProcessor mutates a captured image file in place, e.g. to add
// telemetry overlays before conversion. Failures are logged by the caller
// and never abort the cycle.
type PostProcessor interface {
	Process(path string) error
}

// NopPostProcessor leaves images untouched.
type NopPostProcessor struct{}

func (NopPostProcessor) Process(string) error { return nil }

// Config holds the orchestrator loop parameters.
type Config struct {
	DestinationDir string        // captured JPEGs are stored here, timestamp-named
	NumImages      int           // captures per best-of-N round
	ImageDelay     time.Duration // delay between captures within a round
	CycleDelay     time.Duration // extra delay between cycles
	Quality        int           // SSDV quality 4-7
	StartID        int           // first image id (0-255)
	OpenRetries    int           // session open attempts before the loop starts

	// Tunable intervals, defaulted by New. Tests shrink these.
	CaptureBackoff time.Duration // sleep before a camera reset after a failed round
	EncodeBackoff  time.Duration // sleep after a failed SSDV conversion
	QueuePoll      time.Duration // transmit queue empty-check interval
	OpenRetryDelay time.Duration // sleep between startup open attempts
}

// Orchestrator drives the capture-convert-transmit loop on a single
// background goroutine.
type Orchestrator struct {
	sess    Session
	capture BestCapturer
	encoder Encoder
	queue   TransmitQueue
	post    PostProcessor
	sink    debug.Sink
	cfg     Config

	// LED is an optional status LED; nil is fine.
	LED *led.StatusLED

	mu      sync.Mutex
	state   State
	imageID int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an orchestrator. post and sink may be nil; they default to a
// no-op processor and stdout.
func New(sess Session, capture BestCapturer, encoder Encoder, queue TransmitQueue,
	post PostProcessor, sink debug.Sink, cfg Config) *Orchestrator {

	if post == nil {
		post = NopPostProcessor{}
	}
	if cfg.NumImages < 1 {
		cfg.NumImages = 1
	}
	if cfg.CaptureBackoff == 0 {
		cfg.CaptureBackoff = 5 * time.Second
	}
	if cfg.EncodeBackoff == 0 {
		cfg.EncodeBackoff = 1 * time.Second
	}
	if cfg.QueuePoll == 0 {
		cfg.QueuePoll = 50 * time.Millisecond
	}
	if cfg.OpenRetryDelay == 0 {
		cfg.OpenRetryDelay = 10 * time.Second
	}
	if cfg.OpenRetries < 1 {
		cfg.OpenRetries = 1
	}

	return &Orchestrator{
		sess:    sess,
		capture: capture,
		encoder: encoder,
		queue:   queue,
		post:    post,
		sink:    debug.OrStdout(sink),
		cfg:     cfg,
		state:   Idle,
		imageID: cfg.StartID % 256,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current loop state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ImageID returns the next image id to be consumed.
func (o *Orchestrator) ImageID() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.imageID
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run starts the capture loop on a background goroutine.
func (o *Orchestrator) Run() {
	go o.loop()
}

// Stop requests a cooperative shutdown. The loop exits after completing or
// abandoning the current cycle; an in-progress blocking capture or external
// tool invocation is never interrupted. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Done is closed once the loop goroutine has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// stopped reports whether Stop has been called.
func (o *Orchestrator) stopped() bool {
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	defer o.setState(Stopped)

	o.setState(Running)
	o.openWithRetries()

	for !o.stopped() {
		o.setState(Running)
		debug.Cycle(o.imageID)
		if o.cfg.CycleDelay > 0 {
			o.sleep(o.cfg.CycleDelay)
		}
		if o.stopped() {
			return
		}

		captureTime := time.Now().UTC().Format("20060102-150405Z")
		captureFile := filepath.Join(o.cfg.DestinationDir, captureTime+"_picam.jpg")

		// Capture a best-of-N round.
		o.setState(Capturing)
		if err := o.capture.CaptureBest(o.sess, o.cfg.NumImages, o.cfg.ImageDelay, captureFile); err != nil {
			o.recoverCamera(err)
			continue
		}

		// Optional in-place post-processing. Failures are cosmetic; the
		// unmodified image proceeds down the pipeline.
		o.runPostProcess(captureFile)

		// SSDV conversion. On failure the image id is not consumed, so the
		// id sequence stays contiguous on the wire.
		artifact, err := o.encoder.Encode(captureFile, o.imageID, o.cfg.Quality)
		if err != nil {
			debug.Error(err)
			o.sleep(o.cfg.EncodeBackoff)
			continue
		}

		// Backpressure: wait for the transmit queue to drain before
		// enqueuing the next image.
		o.setState(Draining)
		o.sink.Emit("PiCam Debug: Waiting for SSDV TX queue to empty.")
		if !o.waitQueueEmpty() {
			// Stopped mid-wait; the in-flight artifact is dropped.
			return
		}

		o.setState(Enqueuing)
		packets, err := o.queue.QueueImageFile(artifact)
		if err != nil {
			debug.Error(fmt.Errorf("enqueue artifact: %w", err))
			o.sleep(o.cfg.EncodeBackoff)
			continue
		}
		o.sink.Emit(fmt.Sprintf("PiCam Debug: Transmitting %d PiCam SSDV Packets.", packets))
		o.LED.Blink(100 * time.Millisecond)

		// The id is only consumed on a successful encode+enqueue.
		o.mu.Lock()
		o.imageID = (o.imageID + 1) % 256
		o.mu.Unlock()

		o.emitHealth()
	}
}

// openWithRetries attempts the initial session open. If the camera is not
// up after all retries the loop starts anyway: the first capture will fail
// and the recovery branch keeps trying for the rest of the mission.
func (o *Orchestrator) openWithRetries() {
	if o.sess.Ready() {
		return
	}
	for attempt := 0; attempt < o.cfg.OpenRetries && !o.stopped(); attempt++ {
		err := o.sess.Open()
		if err == nil {
			return
		}
		o.sink.Emit(fmt.Sprintf("PiCam Debug: Error initialising camera, retrying in %v: %v", o.cfg.OpenRetryDelay, err))
		o.sleep(o.cfg.OpenRetryDelay)
	}
}

// recoverCamera handles a failed capture round: back off, then close and
// reopen the camera session. A failed reopen is logged, not fatal; the next
// cycle tries again. The image id is not advanced.
func (o *Orchestrator) recoverCamera(captureErr error) {
	o.setState(Recovering)
	o.LED.On()
	defer o.LED.Off()

	debug.Error(captureErr)
	o.sleep(o.cfg.CaptureBackoff)

	o.sink.Emit("PiCam Debug: Capture failed! Attempting to reset camera...")
	o.sess.Close()
	if err := o.sess.Open(); err != nil {
		o.sink.Emit("PiCam Debug: Error initializing camera!")
		o.sleep(o.cfg.EncodeBackoff)
	}
}

func (o *Orchestrator) runPostProcess(path string) {
	defer func() {
		if r := recover(); r != nil {
			o.sink.Emit(fmt.Sprintf("PiCam Debug: Image Post-Processing Failed: %v", r))
		}
	}()
	o.sink.Emit("PiCam Debug: Running Image Post-Processing")
	if err := o.post.Process(path); err != nil {
		o.sink.Emit(fmt.Sprintf("PiCam Debug: Image Post-Processing Failed: %v", err))
	}
}

// waitQueueEmpty polls the transmit queue until it reports empty.
// Returns false if Stop was observed first.
func (o *Orchestrator) waitQueueEmpty() bool {
	for !o.queue.ImageQueueEmpty() {
		select {
		case <-o.stop:
			return false
		case <-time.After(o.cfg.QueuePoll):
		}
	}
	return !o.stopped()
}

// sleep waits for d or until Stop is observed.
func (o *Orchestrator) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-o.stop:
	case <-time.After(d):
	}
}
