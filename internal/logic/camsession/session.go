// Package camsession owns the lifecycle of one camera handle: open,
// configure, reset on failure, close. The session survives across capture
// cycles; the orchestrator resets it when the camera wedges mid-flight.
package camsession

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/SkyGo/internal/config"
	"github.com/cjeanneret/SkyGo/internal/debug"
	"github.com/cjeanneret/SkyGo/internal/hw/camera"
)

// ErrHardwareUnavailable wraps camera open/capture failures.
var ErrHardwareUnavailable = errors.New("camera hardware unavailable")

// State of the session lifecycle.
type State int

const (
	Uninitialized State = iota
	Ready
	Capturing
	Faulted
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Capturing:
		return "capturing"
	case Faulted:
		return "faulted"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session wraps a live camera backend plus its configuration.
// Exclusively owned by the capture orchestrator; never shared.
type Session struct {
	backend camera.Backend
	cfg     *config.Config
	sink    debug.Sink

	state    State
	props    camera.Properties
	txWidth  int
	txHeight int
}

// New creates a session over the given backend. The session starts
// Uninitialized; call Open before capturing.
func New(backend camera.Backend, cfg *config.Config, sink debug.Sink) *Session {
	return &Session{
		backend: backend,
		cfg:     cfg,
		sink:    debug.OrStdout(sink),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Ready reports whether the session holds a live, configured handle.
func (s *Session) Ready() bool { return s.state == Ready }

// TxResolution returns the resolved transmit resolution. Valid after a
// successful Open.
func (s *Session) TxResolution() (int, int) { return s.txWidth, s.txHeight }

// Open acquires and configures the camera. Any prior handle is force-closed
// first, swallowing errors: leaking a hardware lock wedges the camera until
// reboot, which is far worse than ignoring a close error here.
func (s *Session) Open() error {
	if s.state != Uninitialized && s.state != Closed {
		if err := s.backend.Close(); err == nil {
			s.sink.Emit("PiCam Debug: Closed broken camera instance")
		}
	}

	props, err := s.backend.Open()
	if err != nil {
		s.state = Faulted
		return fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
	}
	s.props = props
	s.sink.Emit(debugMsg("Camera Native Resolution: %dx%d", props.PixelArrayWidth, props.PixelArrayHeight))

	s.resolveTxResolution()

	if err := s.backend.Configure(camera.StillConfig{
		HorizontalFlip: s.cfg.Camera.HorizontalFlip,
		VerticalFlip:   s.cfg.Camera.VerticalFlip,
	}); err != nil {
		s.state = Faulted
		return fmt.Errorf("%w: configure: %v", ErrHardwareUnavailable, err)
	}

	if err := s.applyControls(); err != nil {
		s.state = Faulted
		return fmt.Errorf("%w: set controls: %v", ErrHardwareUnavailable, err)
	}

	// In continuous autofocus mode the sensor stream starts now, so the
	// autofocus has time to converge before the first capture is requested.
	if s.ContinuousAutofocus() {
		s.sink.Emit("PiCam Debug: Enabling camera for image capture")
		if err := s.backend.Start(); err != nil {
			s.state = Faulted
			return fmt.Errorf("%w: start stream: %v", ErrHardwareUnavailable, err)
		}
	}

	s.state = Ready
	return nil
}

// applyControls sets white balance, metering, noise reduction and focus.
// Focus controls are gated on hardware capability: a camera without a
// motorised lens silently skips them rather than failing.
func (s *Session) applyControls() error {
	controls := camera.Controls{
		WhiteBalance:   s.cfg.Camera.WhiteBalance,
		Metering:       "matrix",
		NoiseReduction: "off",
	}

	if s.backend.Supports(camera.ControlLensPosition) {
		if s.cfg.ContinuousAutofocus() {
			controls.FocusMode = camera.FocusContinuous
		} else {
			controls.FocusMode = camera.FocusManual
			controls.LensPosition = s.cfg.Camera.LensPosition
			s.sink.Emit(debugMsg("Configured lens position to %.2f", s.cfg.Camera.LensPosition))
		}
	}

	return s.backend.SetControls(controls)
}

// ContinuousAutofocus reports whether the session runs the sensor stream
// permanently (autofocus convergence) instead of per capture round.
func (s *Session) ContinuousAutofocus() bool {
	return s.cfg.ContinuousAutofocus() && s.backend.Supports(camera.ControlLensPosition)
}

// resolveTxResolution computes the transmit resolution from either the
// explicit config values or a scale factor of the native sensor size,
// rounded down to multiples of 16 for SSDV.
func (s *Session) resolveTxResolution() {
	if s.cfg.Encoder.TxWidth > 0 && s.cfg.Encoder.TxHeight > 0 {
		s.txWidth = s.cfg.Encoder.TxWidth
		s.txHeight = s.cfg.Encoder.TxHeight
		s.sink.Emit(debugMsg("Transmit Resolution set to %dx%d", s.txWidth, s.txHeight))
		return
	}
	scale := s.cfg.Encoder.TxScale
	s.txWidth = 16 * int(float64(s.props.PixelArrayWidth)*scale/16)
	s.txHeight = 16 * int(float64(s.props.PixelArrayHeight)*scale/16)
	s.sink.Emit(debugMsg("Transmit Resolution set to %dx%d, scaled %.2f from native", s.txWidth, s.txHeight, scale))
}

// StartStream starts the sensor stream for a capture round.
// No-op in continuous autofocus mode, where the stream already runs.
func (s *Session) StartStream() error {
	if s.ContinuousAutofocus() {
		return nil
	}
	s.sink.Emit("PiCam Debug: Enabling camera for image capture")
	if err := s.backend.Start(); err != nil {
		return fmt.Errorf("%w: start stream: %v", ErrHardwareUnavailable, err)
	}
	return nil
}

// StopStream stops the sensor stream after a capture round, reducing the
// sensor duty cycle. No-op in continuous autofocus mode.
func (s *Session) StopStream() {
	if s.ContinuousAutofocus() {
		return
	}
	s.sink.Emit("PiCam Debug: Disabling camera.")
	if err := s.backend.Stop(); err != nil {
		debug.Error(err)
	}
}

// StreamPerRound reports whether the stream is started per capture round.
// Rounds in this mode need a settle delay before the first capture for
// auto-exposure and white balance to converge.
func (s *Session) StreamPerRound() bool {
	return !s.ContinuousAutofocus()
}

// CaptureTo captures one still to path.
func (s *Session) CaptureTo(path string) error {
	if s.state != Ready && s.state != Capturing {
		return fmt.Errorf("%w: session is %s", ErrHardwareUnavailable, s.state)
	}
	s.state = Capturing
	defer func() {
		if s.state == Capturing {
			s.state = Ready
		}
	}()

	if err := s.backend.CaptureFile(path); err != nil {
		s.state = Faulted
		return fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
	}
	return nil
}

// Fault marks the session as faulted. The orchestrator calls this when a
// capture round fails for reasons outside CaptureTo.
func (s *Session) Fault() {
	s.state = Faulted
}

// Close stops then releases the camera, best-effort. Each step's failure is
// logged, never returned: Close runs during error recovery where the handle
// may already be invalid.
func (s *Session) Close() {
	if err := s.backend.Stop(); err != nil {
		s.sink.Emit("PiCam Debug: Stopping camera object failed.")
	}
	if err := s.backend.Close(); err != nil {
		s.sink.Emit("PiCam Debug: Closing camera object failed.")
	}
	s.state = Closed
}

func debugMsg(format string, args ...interface{}) string {
	return "PiCam Debug: " + fmt.Sprintf(format, args...)
}
