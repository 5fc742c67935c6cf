// Package txqueue frames payload packets (preamble, unique word, CRC16)
// and transmits them through a serial writer.
//
// Packets drain from two queues: a small telemetry queue for low-latency
// status packets, and a large image queue for SSDV data. Telemetry always
// transmits first. When both queues are empty an idle frame keeps the
// demodulator's timing estimation fed.
package txqueue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/SkyGo/internal/debug"
)

// PayloadLength is the fixed packet payload size on the wire.
const PayloadLength = 256

const (
	imageQueueSize     = 4096 // up to 1MB of 256 byte packets
	telemetryQueueSize = 256  // keep small; telemetry pre-empts image data
)

var (
	// preamble helps with timing estimation on the demodulator.
	preamble = bytes.Repeat([]byte{0x55}, 16)
	// uniqueWord marks packet boundaries for the demod chain.
	uniqueWord = []byte{0xAB, 0xCD, 0xEF, 0x01}
	// idleSequence is transmitted when both queues are empty.
	idleSequence = bytes.Repeat([]byte{0x56}, PayloadLength)
)

// TX is the packet transmitter. Writer is typically an opened serial
// device file; tests pass a buffer.
type TX struct {
	w        io.Writer
	callsign string

	// SendIdle controls whether idle frames are written when the queues
	// are empty. On a real serial port the port's own pacing throttles
	// the loop; disable for writers that never block.
	SendIdle bool

	imageQueue     chan []byte
	telemetryQueue chan []byte

	mu        sync.Mutex
	textCount uint16

	stop chan struct{}
	done chan struct{}
}

// New creates a transmitter writing framed packets to w.
func New(w io.Writer, callsign string) *TX {
	return &TX{
		w:              w,
		callsign:       callsign,
		SendIdle:       true,
		imageQueue:     make(chan []byte, imageQueueSize),
		telemetryQueue: make(chan []byte, telemetryQueueSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the transmit goroutine.
func (t *TX) Start() {
	go t.transmitLoop()
}

// Close stops the transmit goroutine and waits for it to exit.
// Queued packets that have not reached the wire are dropped.
func (t *TX) Close() {
	close(t.stop)
	<-t.done
}

func (t *TX) transmitLoop() {
	defer close(t.done)
	idle := t.framePacket(idleSequence)

	for {
		select {
		case <-t.stop:
			return
		case pkt := <-t.telemetryQueue:
			t.write(pkt)
		default:
			select {
			case <-t.stop:
				return
			case pkt := <-t.telemetryQueue:
				t.write(pkt)
			case pkt := <-t.imageQueue:
				t.write(pkt)
			default:
				if t.SendIdle {
					t.write(idle)
				} else {
					time.Sleep(20 * time.Millisecond)
				}
			}
		}
	}
}

func (t *TX) write(pkt []byte) {
	if _, err := t.w.Write(pkt); err != nil {
		debug.Error(fmt.Errorf("serial write: %w", err))
	}
}

// framePacket pads or truncates the payload to PayloadLength, and wraps it
// with preamble, unique word and CRC16-CCITT.
func (t *TX) framePacket(payload []byte) []byte {
	p := make([]byte, PayloadLength)
	n := copy(p, payload)
	for i := n; i < PayloadLength; i++ {
		p[i] = 0x55
	}

	frame := make([]byte, 0, len(preamble)+len(uniqueWord)+PayloadLength+2)
	frame = append(frame, preamble...)
	frame = append(frame, uniqueWord...)
	frame = append(frame, p...)

	crc := crc16(p)
	frame = append(frame, byte(crc&0xFF), byte(crc>>8))
	return frame
}

// QueueImagePacket frames and queues one image payload. Blocks when the
// image queue is full, which is the backpressure signal the capture loop
// synchronises against.
func (t *TX) QueueImagePacket(payload []byte) {
	t.imageQueue <- t.framePacket(payload)
}

// QueueImageFile reads an SSDV file and queues it PayloadLength bytes at a
// time. Returns the number of packets queued.
func (t *TX) QueueImageFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read image file: %w", err)
	}

	packets := len(data) / PayloadLength
	for i := 0; i < packets; i++ {
		t.QueueImagePacket(data[i*PayloadLength : (i+1)*PayloadLength])
	}
	return packets, nil
}

// ImageQueueEmpty reports whether the image queue has drained.
func (t *TX) ImageQueueEmpty() bool {
	return len(t.imageQueue) == 0
}

// QueueTelemetryPacket frames and queues a telemetry payload, optionally
// repeated to raise the odds of reception. Packets are dropped when the
// telemetry queue is full rather than blocking the caller.
func (t *TX) QueueTelemetryPacket(payload []byte, repeats int) {
	if repeats < 1 {
		repeats = 1
	}
	framed := t.framePacket(payload)
	for i := 0; i < repeats; i++ {
		select {
		case t.telemetryQueue <- framed:
		default:
			debug.Verbose("Telemetry queue full, dropping packet")
		}
	}
}

// TelemetryQueueEmpty reports whether the telemetry queue has drained.
func (t *TX) TelemetryQueueEmpty() bool {
	return len(t.telemetryQueue) == 0
}

// TransmitTextMessage queues a text message telemetry packet (type 0x00):
// length byte, 16-bit rolling counter, up to 252 ASCII characters.
func (t *TX) TransmitTextMessage(message string) {
	t.mu.Lock()
	t.textCount++ // wraps at 65536
	count := t.textCount
	t.mu.Unlock()

	if len(message) > 252 {
		message = message[:252]
	}

	payload := make([]byte, 0, 4+len(message))
	payload = append(payload, 0x00, byte(len(message)))
	payload = binary.BigEndian.AppendUint16(payload, count)
	payload = append(payload, []byte(message)...)

	t.QueueTelemetryPacket(payload, 1)
	debug.Live("TXing Text Message #%d: %s", count, message)
}

// Sink returns a debug sink that forwards messages to the downlink as
// text message telemetry.
func (t *TX) Sink() debug.Sink {
	return debug.SinkFunc(t.TransmitTextMessage)
}

// crc16 computes CRC16-CCITT (false): poly 0x1021, init 0xFFFF.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
