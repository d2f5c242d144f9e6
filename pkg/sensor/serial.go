package sensor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

const (
	// DefaultBaudRate is the standard baud rate for the sensor board.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default size for the readings channel buffer.
	DefaultBufferSize = 100

	// ackTimeout bounds how long a command waits for the board to
	// acknowledge before it is treated as a sensor error.
	ackTimeout = 2 * time.Second
)

// Serial talks to the sensor board over a serial port. The board streams
// one reading line per integration cycle:
//
//	R,<micros>,<count>,<ch0>,<ch1>,<gain>,<time>
//
// and answers each command line (CFG, START, STOP, LIGHT) with OK or ERR.
type Serial struct {
	port     string
	baudRate int
	bufSize  int

	conn      serial.Port
	readings  chan Reading
	acks      chan bool
	cmdMu     sync.Mutex
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
}

// Port represents an available serial port.
type Port struct {
	Name        string
	Description string
}

// NewSerial creates a device for the named port with the given baud rate
// and reading buffer size.
func NewSerial(port string, baudRate int, bufSize int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Serial{
		port:     port,
		baudRate: baudRate,
		bufSize:  bufSize,
		readings: make(chan Reading, bufSize),
		acks:     make(chan bool, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts the reading loop.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("%w: failed to open serial port %s: %v", ErrSensor, d.port, err)
	}

	d.conn = port
	d.connected = true

	go d.readLines()

	return nil
}

// Close stops the reading loop and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		d.conn = nil
	}

	d.connected = false
	close(d.readings)

	return nil
}

// Readings returns the channel of completed sensor cycles.
func (d *Serial) Readings() <-chan Reading {
	return d.readings
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Configure sets the sensor gain and integration time.
func (d *Serial) Configure(gain tsl2591.Gain, time tsl2591.Time) error {
	if !gain.Valid() || !time.Valid() {
		return fmt.Errorf("%w: gain=%d time=%d", ErrParameter, gain, time)
	}
	return d.command(fmt.Sprintf("CFG %d %d", gain, time))
}

// Start begins continuous sampling.
func (d *Serial) Start() error {
	return d.command("START")
}

// Stop ends continuous sampling. Safe to call when not sampling.
func (d *Serial) Stop() error {
	return d.command("STOP")
}

// SetLight activates a light channel, optionally deferred to the next
// cycle boundary.
func (d *Serial) SetLight(source LightSource, nextCycle bool, brightness uint8) error {
	sync := 0
	if nextCycle {
		sync = 1
	}
	return d.command(fmt.Sprintf("LIGHT %d %d %d", source, sync, brightness))
}

// command writes one command line and waits for the board to acknowledge.
// Commands are serialized; an unacknowledged command is a sensor error.
func (d *Serial) command(cmd string) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.RLock()
	conn := d.conn
	connected := d.connected
	d.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("%w: not connected", ErrSensor)
	}

	// An acknowledgement from a command that already timed out must not
	// satisfy this one.
	d.drainStaleAck()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("%w: failed to send %q: %v", ErrSensor, cmd, err)
	}

	select {
	case ok := <-d.acks:
		if !ok {
			return fmt.Errorf("%w: device rejected %q", ErrSensor, cmd)
		}
		return nil
	case <-time.After(ackTimeout):
		return fmt.Errorf("%w: no acknowledgement for %q", ErrSensor, cmd)
	case <-d.ctx.Done():
		return fmt.Errorf("%w: connection closed", ErrSensor)
	}
}

// readLines reads lines from the board and routes them to the readings
// channel or the command acknowledgement channel.
func (d *Serial) readLines() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in readLines: %v", r)
		}
	}()

	scanner := bufio.NewScanner(d.conn)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && err != io.EOF {
					log.Printf("Error reading from serial port: %v", err)
				}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			switch {
			case strings.HasPrefix(line, "R,"):
				reading, err := parseReadingLine(line)
				if err != nil {
					log.Printf("Failed to parse line '%s': %v", line, err)
					continue
				}
				select {
				case d.readings <- reading:
				case <-d.ctx.Done():
					return
				default:
					log.Printf("Readings channel full, dropping reading")
				}
			case line == "OK":
				d.deliverAck(true)
			case strings.HasPrefix(line, "ERR"):
				d.deliverAck(false)
			default:
				log.Printf("Unexpected line from sensor board: %q", line)
			}
		}
	}
}

func (d *Serial) drainStaleAck() {
	select {
	case <-d.acks:
	default:
	}
}

func (d *Serial) deliverAck(ok bool) {
	select {
	case d.acks <- ok:
	default:
		// No command waiting; stale acknowledgement.
	}
}

// parseReadingLine parses a reading line from the board.
// Format: R,micros,count,ch0,ch1,gain,time
// Example: R,1234567890,42,1023,97,2,1
func parseReadingLine(line string) (Reading, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 7 {
		return Reading{}, fmt.Errorf("invalid line format: expected 7 comma-separated values, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	count, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid cycle count: %w", err)
	}

	ch0, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid ch0 count: %w", err)
	}

	ch1, err := strconv.ParseUint(parts[4], 10, 16)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid ch1 count: %w", err)
	}

	gain, err := strconv.ParseUint(parts[5], 10, 8)
	if err != nil || !tsl2591.Gain(gain).Valid() {
		return Reading{}, fmt.Errorf("invalid gain value: %s", parts[5])
	}

	itime, err := strconv.ParseUint(parts[6], 10, 8)
	if err != nil || !tsl2591.Time(itime).Valid() {
		return Reading{}, fmt.Errorf("invalid integration time value: %s", parts[6])
	}

	return Reading{
		Ch0:       uint16(ch0),
		Ch1:       uint16(ch1),
		Gain:      tsl2591.Gain(gain),
		Time:      tsl2591.Time(itime),
		Count:     uint32(count),
		Timestamp: time.Unix(0, micros*1000),
	}, nil
}
