package debug

import "fmt"

// Sink receives one-line operator-visible status messages.
// On a flying payload the sink forwards messages into the downlink as
// text-message telemetry, so the ground station can follow the capture
// loop. Components never depend on a concrete transport.
type Sink interface {
	Emit(message string)
}

// StdoutSink prints messages to standard output.
// Used when no downlink sink has been wired up.
type StdoutSink struct{}

func (StdoutSink) Emit(message string) {
	fmt.Println(message)
}

// NopSink discards all messages. Useful in tests.
type NopSink struct{}

func (NopSink) Emit(string) {}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(string)

func (f SinkFunc) Emit(message string) { f(message) }

// OrStdout returns s, or a StdoutSink when s is nil.
func OrStdout(s Sink) Sink {
	if s == nil {
		return StdoutSink{}
	}
	return s
}
