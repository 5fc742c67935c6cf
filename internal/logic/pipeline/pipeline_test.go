package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/SkyGo/internal/debug"
	"github.com/cjeanneret/SkyGo/internal/logic/acquire"
)

// eventLog records the order of stage events across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// containsInOrder reports whether want appears in events as a subsequence.
func containsInOrder(events, want []string) bool {
	i := 0
	for _, e := range events {
		if i < len(want) && e == want[i] {
			i++
		}
	}
	return i == len(want)
}

type stubSession struct {
	log       *eventLog
	openErr   error
	failOpens int // fail this many leading Open calls
	opens     int
	ready     bool
}

func (s *stubSession) Open() error {
	s.log.add("open")
	s.opens++
	if s.openErr != nil {
		return s.openErr
	}
	if s.opens <= s.failOpens {
		return errors.New("no camera detected")
	}
	s.ready = true
	return nil
}

func (s *stubSession) Close() {
	s.log.add("close")
	s.ready = false
}

func (s *stubSession) Ready() bool          { return s.ready }
func (s *stubSession) StartStream() error   { return nil }
func (s *stubSession) StopStream()          {}
func (s *stubSession) StreamPerRound() bool { return false }
func (s *stubSession) CaptureTo(string) error {
	return nil
}

type stubCapturer struct {
	log      *eventLog
	mu       sync.Mutex
	failures int // fail this many leading calls
	calls    int
}

func (c *stubCapturer) CaptureBest(_ acquire.CaptureSession, _ int, _ time.Duration, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		c.log.add("capture-fail")
		return errors.New("sensor fault")
	}
	c.log.add("capture")
	return nil
}

type stubEncoder struct {
	log      *eventLog
	mu       sync.Mutex
	failures int
	calls    int
	ids      []int
}

func (e *stubEncoder) Encode(_ string, imageID, _ int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.ids = append(e.ids, imageID)
	if e.calls <= e.failures {
		e.log.add("encode-fail")
		return "", errors.New("convert exit 1")
	}
	e.log.add("encode")
	return "/tmp/picam_temp.ssdv", nil
}

func (e *stubEncoder) encodedIDs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.ids...)
}

type stubQueue struct {
	log        *eventLog
	mu         sync.Mutex
	emptyAfter int // polls before reporting empty; -1 = never empty
	polls      int
	enqueues   int
	enqueued   chan struct{}
}

func newStubQueue(emptyAfter int) *stubQueue {
	return &stubQueue{emptyAfter: emptyAfter, enqueued: make(chan struct{}, 64)}
}

func (q *stubQueue) ImageQueueEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	if q.emptyAfter < 0 {
		return false
	}
	return q.polls > q.emptyAfter
}

func (q *stubQueue) QueueImageFile(string) (int, error) {
	q.mu.Lock()
	q.enqueues++
	q.mu.Unlock()
	q.log.add("enqueue")
	select {
	case q.enqueued <- struct{}{}:
	default:
	}
	return 10, nil
}

func (q *stubQueue) enqueueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueues
}

func (q *stubQueue) pollCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.polls
}

type testRig struct {
	log     *eventLog
	sess    *stubSession
	capture *stubCapturer
	encoder *stubEncoder
	queue   *stubQueue
	orch    *Orchestrator
}

func newTestRig(t *testing.T, cfg Config, queue *stubQueue) *testRig {
	t.Helper()
	log := &eventLog{}
	if queue == nil {
		queue = newStubQueue(0)
	}
	queue.log = log

	sess := &stubSession{log: log}
	capture := &stubCapturer{log: log}
	encoder := &stubEncoder{log: log}

	cfg.DestinationDir = t.TempDir()
	cfg.NumImages = 1
	cfg.Quality = 6
	cfg.CaptureBackoff = time.Millisecond
	cfg.EncodeBackoff = time.Millisecond
	cfg.QueuePoll = time.Millisecond
	cfg.OpenRetryDelay = time.Millisecond

	orch := New(sess, capture, encoder, queue, nil, debug.NopSink{}, cfg)
	return &testRig{log: log, sess: sess, capture: capture, encoder: encoder, queue: queue, orch: orch}
}

// waitEnqueues blocks until the queue has seen n enqueues, then stops the
// loop and waits for it to exit.
func (r *testRig) waitEnqueues(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.queue.enqueued:
		case <-deadline:
			t.Fatalf("timed out waiting for enqueue %d of %d; events: %v", i+1, n, r.log.snapshot())
		}
	}
	r.orch.Stop()
	<-r.orch.Done()
}

func TestLoop_ImageIDAdvancesOnSuccess(t *testing.T) {
	rig := newTestRig(t, Config{}, nil)
	rig.orch.Run()
	rig.waitEnqueues(t, 3)

	ids := rig.encoder.encodedIDs()
	if len(ids) < 3 {
		t.Fatalf("encoded ids = %v, want at least 3", ids)
	}
	if ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Errorf("encoded ids = %v, want 0,1,2", ids[:3])
	}
	if rig.orch.State() != Stopped {
		t.Errorf("state = %s, want stopped", rig.orch.State())
	}
}

func TestLoop_ImageIDWrapsAt256(t *testing.T) {
	rig := newTestRig(t, Config{StartID: 255}, nil)
	rig.orch.Run()
	rig.waitEnqueues(t, 2)

	ids := rig.encoder.encodedIDs()
	if len(ids) < 2 {
		t.Fatalf("encoded ids = %v, want at least 2", ids)
	}
	if ids[0] != 255 || ids[1] != 0 {
		t.Errorf("encoded ids = %v, want 255 then 0", ids[:2])
	}
}

func TestLoop_FailedEncodeDoesNotConsumeID(t *testing.T) {
	rig := newTestRig(t, Config{StartID: 5}, nil)
	rig.encoder.failures = 1
	rig.orch.Run()
	rig.waitEnqueues(t, 1)

	ids := rig.encoder.encodedIDs()
	if len(ids) < 2 {
		t.Fatalf("encoded ids = %v, want at least 2", ids)
	}
	// The failed attempt and the retry both present id 5: a failed encode
	// must not consume an id, so the wire sequence stays contiguous.
	if ids[0] != 5 || ids[1] != 5 {
		t.Errorf("encoded ids = %v, want 5,5", ids[:2])
	}
}

func TestLoop_CaptureFailureTriggersReset(t *testing.T) {
	rig := newTestRig(t, Config{}, nil)
	rig.capture.failures = 1
	rig.orch.Run()
	rig.waitEnqueues(t, 1)

	events := rig.log.snapshot()
	// A failed round is always followed by close+reopen before the next
	// capture attempt.
	want := []string{"capture-fail", "close", "open", "capture"}
	if !containsInOrder(events, want) {
		t.Errorf("events = %v, want subsequence %v", events, want)
	}

	ids := rig.encoder.encodedIDs()
	if len(ids) == 0 || ids[0] != 0 {
		t.Errorf("encoded ids = %v, want first id still 0 after recovery", ids)
	}
}

func TestLoop_ResetAttemptedEvenWhenReopenFails(t *testing.T) {
	rig := newTestRig(t, Config{}, nil)
	rig.sess.ready = true // skip initial open
	rig.sess.openErr = errors.New("camera gone")
	rig.capture.failures = 1000 // every round fails

	rig.orch.Run()

	// Wait for a few recovery iterations.
	deadline := time.After(5 * time.Second)
	for {
		if c := func() int { rig.capture.mu.Lock(); defer rig.capture.mu.Unlock(); return rig.capture.calls }(); c >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("loop stalled; events: %v", rig.log.snapshot())
		case <-time.After(time.Millisecond):
		}
	}
	rig.orch.Stop()
	<-rig.orch.Done()

	events := rig.log.snapshot()
	want := []string{"capture-fail", "close", "open", "capture-fail", "close", "open"}
	if !containsInOrder(events, want) {
		t.Errorf("events = %v, want repeated reset attempts %v", events, want)
	}
	if rig.queue.enqueueCount() != 0 {
		t.Errorf("enqueues = %d, want 0 while camera is down", rig.queue.enqueueCount())
	}
}

// readyCapturer fails while its session reports not-ready, like a real
// capture round against an unopened camera.
type readyCapturer struct {
	log  *eventLog
	sess *stubSession
}

func (c *readyCapturer) CaptureBest(_ acquire.CaptureSession, _ int, _ time.Duration, _ string) error {
	if !c.sess.Ready() {
		c.log.add("capture-fail")
		return errors.New("camera not open")
	}
	c.log.add("capture")
	return nil
}

func TestLoop_StartupOpenFailuresDoNotEndMission(t *testing.T) {
	log := &eventLog{}
	queue := newStubQueue(0)
	queue.log = log
	sess := &stubSession{log: log, failOpens: 3}
	capture := &readyCapturer{log: log, sess: sess}
	encoder := &stubEncoder{log: log}

	// Init retries are exhausted before the camera comes up; the loop must
	// start anyway and revive the mission through the recovery branch.
	orch := New(sess, capture, encoder, queue, nil, debug.NopSink{}, Config{
		DestinationDir: t.TempDir(),
		NumImages:      1,
		Quality:        6,
		OpenRetries:    2,
		CaptureBackoff: time.Millisecond,
		EncodeBackoff:  time.Millisecond,
		QueuePoll:      time.Millisecond,
		OpenRetryDelay: time.Millisecond,
	})
	orch.Run()

	select {
	case <-queue.enqueued:
	case <-time.After(5 * time.Second):
		t.Fatalf("mission never recovered from a boot-time camera outage; events: %v", log.snapshot())
	}
	orch.Stop()
	<-orch.Done()

	events := log.snapshot()
	want := []string{"open", "open", "capture-fail", "close", "open", "capture", "enqueue"}
	if !containsInOrder(events, want) {
		t.Errorf("events = %v, want subsequence %v", events, want)
	}
	if queue.enqueueCount() == 0 {
		t.Error("no image transmitted after the camera recovered")
	}
}

func TestLoop_BackpressureWaitBeforeEnqueue(t *testing.T) {
	queue := newStubQueue(3) // report non-empty for the first 3 polls
	rig := newTestRig(t, Config{}, queue)
	rig.orch.Run()
	rig.waitEnqueues(t, 1)

	if rig.queue.pollCount() < 4 {
		t.Errorf("polls = %d, want at least 4 before the enqueue", rig.queue.pollCount())
	}
	events := rig.log.snapshot()
	if !containsInOrder(events, []string{"encode", "enqueue"}) {
		t.Errorf("events = %v, want encode before enqueue", events)
	}
}

func TestLoop_StopDuringBackpressureDropsArtifact(t *testing.T) {
	queue := newStubQueue(-1) // never empty
	rig := newTestRig(t, Config{}, queue)
	rig.orch.Run()

	// Wait until the loop is polling the queue.
	deadline := time.After(5 * time.Second)
	for rig.queue.pollCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("loop never reached the backpressure wait; events: %v", rig.log.snapshot())
		case <-time.After(time.Millisecond):
		}
	}

	rig.orch.Stop()
	select {
	case <-rig.orch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after Stop during backpressure wait")
	}

	if rig.queue.enqueueCount() != 0 {
		t.Errorf("enqueues = %d, want 0 (in-flight artifact dropped)", rig.queue.enqueueCount())
	}
}

type erroringPost struct{ calls int }

func (p *erroringPost) Process(string) error {
	p.calls++
	return errors.New("overlay render failed")
}

func TestLoop_PostProcessFailureIsNonFatal(t *testing.T) {
	log := &eventLog{}
	queue := newStubQueue(0)
	queue.log = log
	sess := &stubSession{log: log}
	capture := &stubCapturer{log: log}
	encoder := &stubEncoder{log: log}
	post := &erroringPost{}

	orch := New(sess, capture, encoder, queue, post, debug.NopSink{}, Config{
		DestinationDir: t.TempDir(),
		NumImages:      1,
		Quality:        6,
		CaptureBackoff: time.Millisecond,
		EncodeBackoff:  time.Millisecond,
		QueuePoll:      time.Millisecond,
		OpenRetryDelay: time.Millisecond,
	})
	orch.Run()

	deadline := time.After(5 * time.Second)
	select {
	case <-queue.enqueued:
	case <-deadline:
		t.Fatalf("no enqueue after failing post-process; events: %v", log.snapshot())
	}
	orch.Stop()
	<-orch.Done()

	if post.calls == 0 {
		t.Error("post-processor never invoked")
	}
	if queue.enqueueCount() == 0 {
		t.Error("post-process failure aborted the cycle")
	}
}

type panickingPost struct{}

func (panickingPost) Process(string) error { panic("hook exploded") }

func TestLoop_PostProcessPanicIsRecovered(t *testing.T) {
	log := &eventLog{}
	queue := newStubQueue(0)
	queue.log = log

	orch := New(&stubSession{log: log}, &stubCapturer{log: log}, &stubEncoder{log: log},
		queue, panickingPost{}, debug.NopSink{}, Config{
			DestinationDir: t.TempDir(),
			NumImages:      1,
			Quality:        6,
			CaptureBackoff: time.Millisecond,
			EncodeBackoff:  time.Millisecond,
			QueuePoll:      time.Millisecond,
			OpenRetryDelay: time.Millisecond,
		})
	orch.Run()

	select {
	case <-queue.enqueued:
	case <-time.After(5 * time.Second):
		t.Fatalf("no enqueue after panicking post-process; events: %v", log.snapshot())
	}
	orch.Stop()
	<-orch.Done()
}

func TestStop_Idempotent(t *testing.T) {
	rig := newTestRig(t, Config{}, nil)
	rig.orch.Run()
	rig.orch.Stop()
	rig.orch.Stop()
	<-rig.orch.Done()

	if rig.orch.State() != Stopped {
		t.Errorf("state = %s, want stopped", rig.orch.State())
	}
}
