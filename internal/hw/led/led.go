// Package led drives the payload status LED.
//
// The LED gives a ground crew a quick visual on the capture loop before
// launch: a short blink per transmitted image, solid while the camera is
// being recovered.
package led

import (
	"time"

	"github.com/cjeanneret/SkyGo/internal/debug"
	"github.com/cjeanneret/SkyGo/internal/hw/gpio"
)

// StatusLED controls a single LED on a GPIO pin. Active HIGH.
// A zero-pin StatusLED is a no-op, for payloads with no LED fitted.
type StatusLED struct {
	gpio gpio.Driver
	pin  int
}

// New creates a status LED on the given BCM pin.
// pin 0 disables the LED entirely.
func New(g gpio.Driver, pin int) *StatusLED {
	l := &StatusLED{gpio: g, pin: pin}
	if pin > 0 {
		_ = g.SetupPin(pin, gpio.Output)
		_ = g.WritePin(pin, gpio.Low)
	}
	return l
}

// On lights the LED. Errors are logged, not returned: a broken LED must
// never disturb the capture loop.
func (l *StatusLED) On() {
	if l == nil || l.pin == 0 {
		return
	}
	if err := l.gpio.WritePin(l.pin, gpio.High); err != nil {
		debug.Error(err)
	}
}

// Off extinguishes the LED.
func (l *StatusLED) Off() {
	if l == nil || l.pin == 0 {
		return
	}
	if err := l.gpio.WritePin(l.pin, gpio.Low); err != nil {
		debug.Error(err)
	}
}

// Blink flashes the LED once for the given duration. Blocking.
func (l *StatusLED) Blink(d time.Duration) {
	if l == nil || l.pin == 0 {
		return
	}
	l.On()
	time.Sleep(d)
	l.Off()
}
