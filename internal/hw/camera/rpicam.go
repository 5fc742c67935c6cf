package camera

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/SkyGo/internal/debug"
)

// Sensor models with a motorised lens (Pi Camera v3 family). Only these
// accept lens position / autofocus controls.
var autofocusModels = map[string]bool{
	"imx708": true,
}

// resolutionRe matches "4608x2592" style mode resolutions in the
// --list-cameras output.
var resolutionRe = regexp.MustCompile(`(\d{3,5})x(\d{3,5})`)

// modelRe matches the sensor model line, e.g. "0 : imx708 [4608x2592 ...]".
var modelRe = regexp.MustCompile(`\d+\s*:\s*(\w+)\s*\[`)

// RpicamBackend drives a Raspberry Pi camera through the rpicam-apps still
// capture tool (rpicam-still / libcamera-still). Each capture is one tool
// invocation; Start/Stop only track whether the payload considers the
// stream live, since the tool has no persistent session.
type RpicamBackend struct {
	command string // e.g. "rpicam-still"

	mu       sync.Mutex
	open     bool
	started  bool
	props    Properties
	still    StillConfig
	controls Controls
}

// NewRpicamBackend creates a backend invoking the given still capture
// command. An empty command defaults to "rpicam-still".
func NewRpicamBackend(command string) *RpicamBackend {
	if command == "" {
		command = "rpicam-still"
	}
	return &RpicamBackend{command: command}
}

// Open probes the camera via --list-cameras and records its properties.
func (b *RpicamBackend) Open() (Properties, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out, err := exec.Command(b.command, "--list-cameras").CombinedOutput()
	if err != nil {
		return Properties{}, fmt.Errorf("probe camera with %s --list-cameras: %w", b.command, err)
	}

	props, err := parseCameraList(string(out))
	if err != nil {
		return Properties{}, err
	}

	b.props = props
	b.open = true
	b.started = false
	debug.Info("Camera detected: %s, native resolution %dx%d",
		props.Model, props.PixelArrayWidth, props.PixelArrayHeight)
	return props, nil
}

func (b *RpicamBackend) Configure(cfg StillConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return fmt.Errorf("camera not open")
	}
	b.still = cfg
	return nil
}

func (b *RpicamBackend) SetControls(c Controls) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return fmt.Errorf("camera not open")
	}
	b.controls = c
	return nil
}

func (b *RpicamBackend) Supports(control string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if control == ControlLensPosition {
		return autofocusModels[b.props.Model]
	}
	return false
}

// Start marks the stream as running. The actual sensor only runs during
// captures with rpicam-still, so this exists to honour the session
// contract (continuous autofocus wants an early Start).
func (b *RpicamBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return fmt.Errorf("camera not open")
	}
	b.started = true
	return nil
}

func (b *RpicamBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return fmt.Errorf("camera not open")
	}
	b.started = false
	return nil
}

func (b *RpicamBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.started = false
	return nil
}

// CaptureFile runs one still capture to path, applying the configured
// transform and controls on the command line. Blocking, no timeout:
// capture time is dominated by auto-exposure convergence.
func (b *RpicamBackend) CaptureFile(path string) error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return fmt.Errorf("camera not open")
	}
	args := b.captureArgs(path)
	cmd := b.command
	b.mu.Unlock()

	debug.Tool(cmd, args)
	out, err := exec.Command(cmd, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s capture failed: %w (%s)", cmd, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *RpicamBackend) captureArgs(path string) []string {
	args := []string{"--nopreview", "-o", path}

	if b.still.HorizontalFlip {
		args = append(args, "--hflip")
	}
	if b.still.VerticalFlip {
		args = append(args, "--vflip")
	}
	if b.controls.WhiteBalance != "" {
		args = append(args, "--awb", b.controls.WhiteBalance)
	}
	if b.controls.Metering != "" {
		args = append(args, "--metering", b.controls.Metering)
	}
	if b.controls.NoiseReduction != "" {
		args = append(args, "--denoise", b.controls.NoiseReduction)
	}
	if autofocusModels[b.props.Model] {
		if b.controls.FocusMode == FocusContinuous {
			args = append(args, "--autofocus-mode", "continuous")
		} else {
			args = append(args, "--autofocus-mode", "manual",
				"--lens-position", strconv.FormatFloat(b.controls.LensPosition, 'f', 2, 64))
		}
	}
	return args
}

// parseCameraList extracts the sensor model and the largest advertised
// mode resolution from --list-cameras output.
func parseCameraList(out string) (Properties, error) {
	props := Properties{}

	if m := modelRe.FindStringSubmatch(out); m != nil {
		props.Model = m[1]
	}

	for _, m := range resolutionRe.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if w*h > props.PixelArrayWidth*props.PixelArrayHeight {
			props.PixelArrayWidth = w
			props.PixelArrayHeight = h
		}
	}

	if props.PixelArrayWidth == 0 {
		return Properties{}, fmt.Errorf("no camera found in --list-cameras output")
	}
	return props, nil
}
