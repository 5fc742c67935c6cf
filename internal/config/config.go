package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WhiteBalanceModes lists the white balance modes the camera stack accepts.
// Unknown values fall back to "auto" at load time.
var WhiteBalanceModes = map[string]bool{
	"auto":         true,
	"incandescent": true,
	"tungsten":     true,
	"fluorescent":  true,
	"indoor":       true,
	"daylight":     true,
	"cloudy":       true,
}

// CameraConfig describes the capture side of the payload.
type CameraConfig struct {
	NumImages      int     `yaml:"num_images"`      // captures per round; best (largest) is kept
	ImageDelayMs   int     `yaml:"image_delay_ms"`  // delay between captures within a round
	HorizontalFlip bool    `yaml:"horizontal_flip"` // correct for camera orientation
	VerticalFlip   bool    `yaml:"vertical_flip"`
	WhiteBalance   string  `yaml:"white_balance"`   // see WhiteBalanceModes
	LensPosition   float64 `yaml:"lens_position"`   // 0.0 = infinity, 10 = very close. <0 = continuous autofocus.
	InitRetries    int     `yaml:"init_retries"`    // camera open attempts at startup
	CaptureCommand string  `yaml:"capture_command"` // still capture binary, e.g. "rpicam-still"
}

// EncoderConfig describes the SSDV conversion step.
// Either an explicit transmit resolution (width/height, multiples of 16)
// or a scale factor from the sensor's native resolution may be given.
type EncoderConfig struct {
	TxWidth  int     `yaml:"tx_width"`
	TxHeight int     `yaml:"tx_height"`
	TxScale  float64 `yaml:"tx_scale"` // used when tx_width/tx_height are 0
	Quality  int     `yaml:"quality"`  // SSDV quality 4-7; 7 is near-lossless (not recommended)
}

// TransmitConfig describes the downlink serial interface.
type TransmitConfig struct {
	Callsign   string `yaml:"callsign"`    // embedded in SSDV headers and telemetry, <=6 chars
	SerialPort string `yaml:"serial_port"` // e.g. /dev/ttyAMA0
	BaudRate   int    `yaml:"baud_rate"`   // informational; the port is expected to be pre-configured
}

// LoopConfig describes the capture/transmit loop behaviour.
type LoopConfig struct {
	DestinationDir string `yaml:"destination_dir"` // where captured JPEGs are stored
	CycleDelayMs   int    `yaml:"cycle_delay_ms"`  // extra delay between cycles, on top of queue wait
	StartID        int    `yaml:"start_id"`        // starting image ID (0-255)
}

// GPIOConfig describes the payload status hardware.
type GPIOConfig struct {
	Mock         bool `yaml:"mock"`           // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	StatusLEDPin int  `yaml:"status_led_pin"` // BCM pin for the status LED. 0 = no LED fitted.
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all payload configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Transmit TransmitConfig `yaml:"transmit"`
	Loop     LoopConfig     `yaml:"loop"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Load reads a YAML file and returns the configuration.
// Warnings collected during validation (non-fatal issues like a transmit
// resolution that is not a multiple of 16) are returned alongside the config.
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, warnings, nil
}

// Validate applies defaults and checks hard constraints.
// Hard failures are things that would make the downlink unusable (bad
// callsign, bad quality); soft issues become warnings.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	if c.Transmit.Callsign == "" {
		return nil, fmt.Errorf("transmit.callsign is required")
	}
	if len(c.Transmit.Callsign) > 6 {
		return nil, fmt.Errorf("transmit.callsign must be <= 6 characters, got %q", c.Transmit.Callsign)
	}
	if c.Transmit.SerialPort == "" {
		c.Transmit.SerialPort = "/dev/ttyAMA0"
	}
	if c.Transmit.BaudRate <= 0 {
		c.Transmit.BaudRate = 115200
	}

	if c.Camera.NumImages <= 0 {
		c.Camera.NumImages = 1
	}
	if c.Camera.InitRetries <= 0 {
		c.Camera.InitRetries = 10
	}
	if c.Camera.CaptureCommand == "" {
		c.Camera.CaptureCommand = "rpicam-still"
	}
	wb := strings.ToLower(c.Camera.WhiteBalance)
	if !WhiteBalanceModes[wb] {
		if c.Camera.WhiteBalance != "" {
			warnings = append(warnings, fmt.Sprintf("unknown white_balance %q, using auto", c.Camera.WhiteBalance))
		}
		wb = "auto"
	}
	c.Camera.WhiteBalance = wb

	if c.Encoder.Quality == 0 {
		c.Encoder.Quality = 6
	}
	if c.Encoder.Quality < 4 || c.Encoder.Quality > 7 {
		return nil, fmt.Errorf("encoder.quality must be 4-7, got %d", c.Encoder.Quality)
	}
	if c.Encoder.TxWidth == 0 && c.Encoder.TxHeight == 0 && c.Encoder.TxScale == 0 {
		c.Encoder.TxScale = 0.5
	}
	if (c.Encoder.TxWidth == 0) != (c.Encoder.TxHeight == 0) {
		return nil, fmt.Errorf("encoder.tx_width and encoder.tx_height must be set together")
	}
	// SSDV requires dimensions that are multiples of 16. The reference
	// behaviour is to accept the config anyway and let the encoder fail,
	// so this stays advisory.
	if c.Encoder.TxWidth%16 != 0 || c.Encoder.TxHeight%16 != 0 {
		warnings = append(warnings, fmt.Sprintf(
			"transmit resolution %dx%d is not a multiple of 16; SSDV conversion will likely fail",
			c.Encoder.TxWidth, c.Encoder.TxHeight))
	}

	if c.Loop.DestinationDir == "" {
		c.Loop.DestinationDir = "./tx_images"
	}
	if c.Loop.StartID < 0 || c.Loop.StartID > 255 {
		return nil, fmt.Errorf("loop.start_id must be 0-255, got %d", c.Loop.StartID)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("defaults.debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}

	return warnings, nil
}

// ImageDelay returns the delay between captures within a round.
func (c *Config) ImageDelay() time.Duration {
	return time.Duration(c.Camera.ImageDelayMs) * time.Millisecond
}

// CycleDelay returns the extra delay between capture cycles.
func (c *Config) CycleDelay() time.Duration {
	return time.Duration(c.Loop.CycleDelayMs) * time.Millisecond
}

// ContinuousAutofocus reports whether the lens is in continuous autofocus
// mode (negative lens position is the sentinel).
func (c *Config) ContinuousAutofocus() bool {
	return c.Camera.LensPosition < 0
}
