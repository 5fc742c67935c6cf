// Package ssdv converts a captured JPEG into the SSDV packetized downlink
// format by driving two external tools: an ImageMagick resize to the
// transmit resolution, then the ssdv encoder itself.
package ssdv

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cjeanneret/SkyGo/internal/debug"
)

// ErrExternalTool wraps non-zero exits (including timeouts) from the
// resize or encode steps.
var ErrExternalTool = errors.New("external tool failed")

// DefaultResizeTimeout bounds the ImageMagick invocation. Resizes have
// been observed to hang on marginal hardware (kernel oops at high ARM
// clocks), so the step gets a hard wall-clock limit.
const DefaultResizeTimeout = 180 * time.Second

// killGrace is how long a timed-out tool gets between SIGTERM-equivalent
// cancellation and SIGKILL.
const killGrace = 5 * time.Second

// Runner executes an external tool and returns an error on non-zero exit.
// Abstracted so tests can fake tool outcomes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	debug.Tool(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = killGrace
	return cmd.Run()
}

// Encoder converts JPEGs to SSDV artifacts.
type Encoder struct {
	Callsign string // <=6 chars, embedded in the SSDV headers
	Width    int    // transmit resolution; multiples of 16
	Height   int
	WorkDir  string // fixed-name intermediates and artifact live here

	// Resolution, when set, supersedes Width/Height at encode time. Used
	// when the transmit resolution is only resolved once the camera
	// session has opened, which may happen after the encoder is built.
	Resolution func() (width, height int)

	ResizeTimeout time.Duration // 0 = DefaultResizeTimeout
	Runner        Runner        // nil = ExecRunner
	Sink          debug.Sink
}

// Encode resizes src to the transmit resolution and converts it to SSDV,
// embedding the callsign and image id. Returns the artifact path, or
// ErrExternalTool if either step exits non-zero; no partial artifact is
// ever returned. The caller must treat a failure as terminal for this
// cycle rather than retrying in here.
func (e *Encoder) Encode(src string, imageID, quality int) (string, error) {
	sink := debug.OrStdout(e.Sink)
	runner := e.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	// The downstream protocol carries an 8-bit image id. Masking rather
	// than %, so an out-of-range id maps into [0,255] even when negative.
	imageID &= 0xff

	if quality < 4 {
		quality = 4
	}
	if quality > 7 {
		quality = 7
	}

	resized := filepath.Join(e.WorkDir, "picam_temp.jpg")
	artifact := filepath.Join(e.WorkDir, "picam_temp.ssdv")

	timeout := e.ResizeTimeout
	if timeout == 0 {
		timeout = DefaultResizeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	width, height := e.Width, e.Height
	if e.Resolution != nil {
		width, height = e.Resolution()
	}

	sink.Emit("PiCam Debug: Resizing image.")
	// The trailing ! forces the exact geometry with no regard for aspect
	// ratio; getting that right is the operator's problem.
	err := runner.Run(ctx, "convert", src, "-scale",
		fmt.Sprintf("%dx%d!", width, height), resized)
	if err != nil {
		sink.Emit("PiCam Debug: Resize operation failed! (Possible kernel Oops? Maybe set arm_freq to 700 MHz)")
		return "", fmt.Errorf("%w: resize: %v", ErrExternalTool, err)
	}

	sink.Emit("PiCam Debug: Converting image to SSDV.")
	err = runner.Run(context.Background(), "ssdv",
		"-e", "-n",
		"-q", strconv.Itoa(quality),
		"-c", e.Callsign,
		"-i", strconv.Itoa(imageID),
		resized, artifact)
	if err != nil {
		sink.Emit("PiCam Debug: ERROR: Could not perform SSDV Conversion.")
		return "", fmt.Errorf("%w: ssdv encode: %v", ErrExternalTool, err)
	}

	return artifact, nil
}
