// Package acquire runs best-of-N capture rounds: several rapid exposures
// to temporary files, keep the one with the largest file size, promote it
// to the caller's destination path.
//
// Largest-filesize is a deliberate proxy for image quality: at constant
// JPEG quality, a larger file means less compressible detail. It is cheap,
// codec-agnostic and needs no image decoding. Do not replace it with real
// quality scoring.
package acquire

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/google/uuid"

	"github.com/cjeanneret/SkyGo/internal/debug"
)

// DefaultSettleDelay is how long the sensor stream runs before the first
// capture of a round, letting auto-exposure and white balance converge.
// Only applies when the stream is started per round.
const DefaultSettleDelay = 3 * time.Second

// CaptureSession is the slice of the camera session the acquirer needs.
type CaptureSession interface {
	StartStream() error
	StopStream()
	StreamPerRound() bool
	CaptureTo(path string) error
}

// attempt is one temporary capture, annotated with its size once written.
type attempt struct {
	path string
	size int64
}

// Acquirer captures rounds of images and promotes the best one.
type Acquirer struct {
	TempDir     string        // where temp captures land; "" = os.TempDir()
	SettleDelay time.Duration // 0 = DefaultSettleDelay
	Sink        debug.Sink
}

// CaptureBest runs count sequential captures with interDelay between them,
// selects the largest temp file and copies it to destPath. All temp files
// are removed on every exit path. Any single capture failing aborts the
// round: a mid-round fault is a session-level problem, and the remaining
// exposures would come from the same wedged hardware.
func (a *Acquirer) CaptureBest(sess CaptureSession, count int, interDelay time.Duration, destPath string) error {
	if count < 1 {
		count = 1
	}
	sink := debug.OrStdout(a.Sink)
	tempDir := a.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	round := uuid.NewString()[:8]
	var attempts []attempt
	defer func() {
		for _, at := range attempts {
			if err := os.Remove(at.path); err != nil && !os.IsNotExist(err) {
				debug.Error(err)
			}
		}
	}()

	if sess.StreamPerRound() {
		if err := sess.StartStream(); err != nil {
			return err
		}
		defer sess.StopStream()

		settle := a.SettleDelay
		if settle == 0 {
			settle = DefaultSettleDelay
		}
		time.Sleep(settle)
	}

	for i := 0; i < count; i++ {
		debug.Capture(i+1, count)
		sink.Emit(fmt.Sprintf("PiCam Debug: Capturing Image %d of %d", i+1, count))
		path := filepath.Join(tempDir, fmt.Sprintf("picam_%s_%d.jpg", round, i))
		attempts = append(attempts, attempt{path: path})

		if err := sess.CaptureTo(path); err != nil {
			sink.Emit(fmt.Sprintf("PiCam Debug: Capture Error: %v", err))
			return fmt.Errorf("capture %d of %d: %w", i+1, count, err)
		}

		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat capture %d: %w", i+1, err)
		}
		attempts[i].size = fi.Size()
		debug.Verbose("Capture %d: %s (%d bytes)", i+1, path, fi.Size())

		if interDelay > 0 && i < count-1 {
			time.Sleep(interDelay)
		}
	}

	sink.Emit("PiCam Debug: Choosing Best Image.")
	best := attempts[0]
	for _, at := range attempts[1:] {
		if at.size > best.size {
			best = at
		}
	}

	sink.Emit(fmt.Sprintf("PiCam Debug: Copying image to storage with filename %s", destPath))
	if err := copyFile(best.path, destPath); err != nil {
		return fmt.Errorf("promote best image: %w", err)
	}

	probeWinner(sink, best.path)
	return nil
}

// probeWinner pushes the winner's EXIF details into the downlink alongside
// the transfer messages. Purely informational; decode failures are ignored.
func probeWinner(sink debug.Sink, path string) {
	desc, err := winnerDescription(path)
	if err != nil {
		return
	}
	sink.Emit(fmt.Sprintf("PiCam Debug: Best image EXIF: %s", desc))
}

// winnerDescription summarizes a JPEG's EXIF block: camera model and
// exposure timestamp.
func winnerDescription(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	exif, err := imagemeta.Decode(f)
	if err != nil {
		return "", err
	}
	desc := strings.TrimSpace(exif.Model)
	if desc == "" {
		desc = "unknown camera"
	}
	if ts := exif.DateTimeOriginal(); !ts.IsZero() {
		desc = fmt.Sprintf("%s, exposed %s", desc, ts.Format(time.RFC3339))
	}
	return desc, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
