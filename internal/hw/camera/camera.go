package camera

// Backend is the high-level interface to a still camera, regardless of how
// it is driven (libcamera tools, V4L2, a mock for tests). It mirrors the
// lifecycle of a real camera handle: open, configure, set controls,
// start/stop the sensor stream, capture stills, close.
type Backend interface {
	// Open acquires the hardware and reports its native properties.
	Open() (Properties, error)
	// Configure applies the still capture configuration (flips).
	Configure(cfg StillConfig) error
	// SetControls applies runtime controls (white balance, metering,
	// noise reduction, focus). Callers should gate focus controls on
	// Supports(ControlLensPosition).
	SetControls(c Controls) error
	// Supports reports whether the hardware exposes the named control.
	Supports(control string) bool
	// Start begins the sensor stream. In continuous autofocus mode the
	// stream must run for a while before captures are sharp.
	Start() error
	// Stop halts the sensor stream.
	Stop() error
	// Close releases the hardware. Safe to call on a broken handle.
	Close() error
	// CaptureFile captures a single still to path. Blocking.
	CaptureFile(path string) error
}

// Control names used with Backend.Supports.
const (
	ControlLensPosition = "LensPosition"
)

// Focus modes.
type FocusMode int

const (
	FocusManual     FocusMode = iota // explicit lens position
	FocusContinuous                  // camera-driven continuous autofocus
)

// Properties describes the camera hardware as reported at open time.
type Properties struct {
	// Native pixel array size of the sensor.
	PixelArrayWidth  int
	PixelArrayHeight int
	// Model is the sensor model name, e.g. "imx708".
	Model string
}

// StillConfig is the still capture configuration.
type StillConfig struct {
	HorizontalFlip bool
	VerticalFlip   bool
}

// Controls are the runtime camera controls the payload sets.
// Metering is always matrix and noise reduction always off in this
// application; they are fields here so the boundary stays explicit.
type Controls struct {
	WhiteBalance   string // "auto", "daylight", "cloudy", ...
	Metering       string // "matrix"
	NoiseReduction string // "off"
	FocusMode      FocusMode
	LensPosition   float64 // used when FocusMode == FocusManual
}
