// Package debug provides leveled debug logging for the payload, plus the
// Sink interface used to push one-line status messages into the downlink.
package debug

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (camera setup, image ids)
	LevelLive    = 2 // Live info (captures taken, packets queued)
	LevelVerbose = 3 // Verbose (file sizes, tool command lines)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	level int
	sugar *zap.SugaredLogger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (camera setup, image ids)
// 2 = live info (captures, transmissions)
// 3 = verbose (selection details, external tool invocations)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	level = debugLevel
	if level <= LevelOff {
		sugar = nil
		return
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "T",
		MessageKey:       "M",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000"),
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)
	sugar = zap.New(core).Named("SkyGo").Sugar()
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && sugar != nil {
		sugar.Infof("[INFO] "+format, args...)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && sugar != nil {
		sugar.Infof("[INFO]   %s = %v", name, value)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && sugar != nil {
		sugar.Infof("[LIVE] "+format, args...)
	}
}

// Capture prints a single capture within a round (level 2).
func Capture(n, total int) {
	if level >= LevelLive && sugar != nil {
		sugar.Infof("[LIVE] Capturing image %d of %d", n, total)
	}
}

// Cycle prints the start of a capture cycle (level 2).
func Cycle(imageID int) {
	if level >= LevelLive && sugar != nil {
		sugar.Infof("[LIVE] Starting capture cycle (image id %d)", imageID)
	}
}

// --- Level 3 functions (Verbose) ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && sugar != nil {
		sugar.Debugf("[VERBOSE] "+format, args...)
	}
}

// Tool prints an external tool invocation (level 3).
func Tool(name string, args []string) {
	if level >= LevelVerbose && sugar != nil {
		sugar.Debugf("[TOOL] %s %v", name, args)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && sugar != nil {
		sugar.Debugf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && sugar != nil {
		sugar.Debugf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && sugar != nil {
		sugar.Errorf("[ERROR] %v", err)
	}
}
