package counter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Wire commands understood by the counter firmware.
const (
	cmdReset = "RS\n"
	cmdRead  = "RD\n"
)

// Serial defaults for the Arduino counter board.
const (
	DefaultSerialDevice = "/dev/ttyACM0"
	DefaultBaud         = 9600
	DefaultReadTimeout  = time.Second
	DefaultSettleDelay  = 200 * time.Millisecond
	DefaultOpenDelay    = 100 * time.Millisecond
)

// SerialConfig describes the serial link to the counter board.
type SerialConfig struct {
	Device      string
	Baud        uint
	ReadTimeout time.Duration // per-read inter-character timeout
	SettleDelay time.Duration // wait between a command and its response
	OpenDelay   time.Duration // wait after opening for the board to boot
}

func (c SerialConfig) withDefaults() SerialConfig {
	if c.Device == "" {
		c.Device = DefaultSerialDevice
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.OpenDelay <= 0 {
		c.OpenDelay = DefaultOpenDelay
	}
	return c
}

// Opener opens the serial port described by cfg.
type Opener func(cfg SerialConfig) (io.ReadWriteCloser, error)

// OpenSerialPort opens cfg.Device as 8N1. Reads return io.EOF after
// cfg.ReadTimeout without data.
func OpenSerialPort(cfg SerialConfig) (io.ReadWriteCloser, error) {
	options := serial.OpenOptions{
		PortName:              cfg.Device,
		BaudRate:              cfg.Baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: uint(cfg.ReadTimeout / time.Millisecond),
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}
	return port, nil
}

// SerialDevice talks to an Arduino that counts sensor pulses on interrupts.
//
// Connection lifecycle: DISCONNECTED -> CONNECTING -> READY, and back to
// DISCONNECTED on any I/O failure. Read reconnects when not READY.
// Reset and Read block on I/O and must only be called from the sampling worker.
type SerialDevice struct {
	cfg   SerialConfig
	open  Opener
	sleep func(time.Duration)

	port io.ReadWriteCloser
	rd   *bufio.Reader

	mu    sync.Mutex // guards state only
	state ConnState
}

// NewSerialDevice creates a device that connects lazily through open.
func NewSerialDevice(cfg SerialConfig, open Opener) *SerialDevice {
	return &SerialDevice{
		cfg:   cfg.withDefaults(),
		open:  open,
		sleep: time.Sleep,
		state: Disconnected,
	}
}

// State returns the connection state.
func (d *SerialDevice) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *SerialDevice) setState(s ConnState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Reset reopens the port, which also reboots most Arduino boards, and sends
// the reset command. The acknowledgement is logged and otherwise ignored.
func (d *SerialDevice) Reset() error {
	d.disconnect()
	if err := d.connect(); err != nil {
		return err
	}
	if err := d.send("reset", cmdReset); err != nil {
		return err
	}
	d.sleep(d.cfg.OpenDelay)
	line, err := d.readLine("reset")
	if err != nil && KindOf(err) != Timeout {
		return err
	}
	log.Infof("serial: %s acknowledged reset: %q", d.cfg.Device, line)
	return nil
}

// Read sends a read (or reset) command and parses the reply.
// An empty reply is reported as all-zero counts.
func (d *SerialDevice) Read(reset bool) (flow.Counters, error) {
	if d.State() != Ready {
		if err := d.connect(); err != nil {
			return flow.Counters{}, err
		}
	}

	cmd := cmdRead
	if reset {
		cmd = cmdReset
	}
	if err := d.send("read", cmd); err != nil {
		return flow.Counters{}, err
	}
	d.sleep(d.cfg.SettleDelay)

	line, err := d.readLine("read")
	if err != nil {
		return flow.Counters{}, err
	}
	if reset {
		return flow.Counters{}, nil
	}
	counts, err := ParseCounters(line)
	if err != nil {
		return flow.Counters{}, &Error{Kind: ParseFailure, Op: "read", Err: err}
	}
	return counts, nil
}

// Close releases the port.
func (d *SerialDevice) Close() error {
	d.disconnect()
	return nil
}

func (d *SerialDevice) connect() error {
	d.setState(Connecting)
	port, err := d.open(d.cfg)
	if err != nil {
		d.setState(Disconnected)
		return &Error{Kind: ConnectionFailed, Op: "connect", Err: err}
	}
	d.port = port
	d.rd = bufio.NewReader(port)
	d.sleep(d.cfg.OpenDelay)
	d.setState(Ready)
	log.Infof("serial: connected to %s at %d baud", d.cfg.Device, d.cfg.Baud)
	return nil
}

func (d *SerialDevice) disconnect() {
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			log.Warnf("serial: close %s: %v", d.cfg.Device, err)
		}
		d.port = nil
		d.rd = nil
	}
	d.setState(Disconnected)
}

func (d *SerialDevice) send(op, cmd string) error {
	// Drop anything left over from a previous, late reply.
	if n := d.rd.Buffered(); n > 0 {
		d.rd.Discard(n)
	}
	if _, err := io.WriteString(d.port, cmd); err != nil {
		d.disconnect()
		return &Error{Kind: ConnectionFailed, Op: op, Err: err}
	}
	return nil
}

// readLine returns one trimmed line. A read that times out with nothing
// received yields "" and no error; a partial line yields a Timeout error.
func (d *SerialDevice) readLine(op string) (string, error) {
	line, err := d.rd.ReadString('\n')
	if err == nil {
		return strings.TrimSpace(line), nil
	}
	if errors.Is(err, io.EOF) {
		if strings.TrimSpace(line) == "" {
			return "", nil
		}
		return "", &Error{Kind: Timeout, Op: op, Err: fmt.Errorf("incomplete line %q", line)}
	}
	d.disconnect()
	return "", &Error{Kind: ConnectionFailed, Op: op, Err: err}
}

// ParseCounters parses a comma-separated line of NumChannels non-negative integers.
// An empty line yields all zeros.
func ParseCounters(line string) (flow.Counters, error) {
	var c flow.Counters
	line = strings.TrimSpace(line)
	if line == "" {
		return c, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) != flow.NumChannels {
		return c, fmt.Errorf("got %d fields, want %d: %q", len(fields), flow.NumChannels, line)
	}
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return flow.Counters{}, fmt.Errorf("field %d: %w", i, err)
		}
		if v < 0 {
			return flow.Counters{}, fmt.Errorf("field %d: negative count %d", i, v)
		}
		c[i] = float64(v)
	}
	return c, nil
}
