package sensor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Command opcodes for the UART bridge protocol. Each request is a fixed
// five byte header (magic, opcode, sequence, payload length) followed by
// the payload; the bridge answers with the same header shape and a status
// byte. Multi-byte fields are little endian.
const (
	opCalibrateStep = 0x01
	opPrepare       = 0x02
	opMeasure       = 0x03
	opRead          = 0x04
	opStatus        = 0x05
	opHibernateOn   = 0x06
	opHibernateOff  = 0x07
)

const (
	bridgeMagic      = 0xA5
	bridgeHeaderSize = 5
	bridgeStatusOK   = 0x00
)

// SerialPort is the subset of a serial connection the bridge uses.
// go.bug.st/serial.Port satisfies it.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// SerialTransport drives a sensor sitting behind a UART bridge board.
// Calls are serialized; the bridge handles one command at a time.
type SerialTransport struct {
	mu        sync.Mutex
	port      SerialPort
	seq       uint8
	connected bool
	header    [bridgeHeaderSize]byte
}

// OpenSerial opens the named port at the bridge's fixed rate and wraps it
// in a transport.
func OpenSerial(portName string) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: 921600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(2 * time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &SerialTransport{port: port, connected: true}, nil
}

// NewSerialTransport wraps an already open port. Used by tests with an
// in-memory pipe.
func NewSerialTransport(port SerialPort) *SerialTransport {
	return &SerialTransport{port: port, connected: true}
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return t.port.Close()
}

// roundTrip sends one command and reads the response payload into resp,
// which may be nil for commands without response data.
func (t *SerialTransport) roundTrip(op byte, payload, resp []byte) (int, error) {
	if !t.connected {
		return 0, ErrNotConnected
	}
	t.seq++
	t.header[0] = bridgeMagic
	t.header[1] = op
	t.header[2] = t.seq
	binary.LittleEndian.PutUint16(t.header[3:5], uint16(len(payload)))
	if _, err := t.port.Write(t.header[:]); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := t.port.Write(payload); err != nil {
			return 0, fmt.Errorf("write payload: %w", err)
		}
	}

	var rh [bridgeHeaderSize + 1]byte
	if err := t.readFull(rh[:]); err != nil {
		return 0, fmt.Errorf("read response header: %w", err)
	}
	if rh[0] != bridgeMagic || rh[1] != op || rh[2] != t.seq {
		return 0, fmt.Errorf("bridge protocol error: got %02x/%02x/%02x", rh[0], rh[1], rh[2])
	}
	if rh[5] != bridgeStatusOK {
		return 0, fmt.Errorf("bridge command %02x failed with status %02x", op, rh[5])
	}
	n := int(binary.LittleEndian.Uint16(rh[3:5]))
	if n > len(resp) {
		return 0, fmt.Errorf("bridge response of %d bytes exceeds %d byte buffer", n, len(resp))
	}
	if n > 0 {
		if err := t.readFull(resp[:n]); err != nil {
			return 0, fmt.Errorf("read response payload: %w", err)
		}
	}
	return n, nil
}

// readFull reads exactly len(p) bytes. go.bug.st/serial returns short
// reads, and a zero byte read once the timeout elapses.
func (t *SerialTransport) readFull(p []byte) error {
	off := 0
	for off < len(p) {
		n, err := t.port.Read(p[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("timed out after %d of %d bytes", off, len(p))
		}
		off += n
	}
	return nil
}

func (t *SerialTransport) CalibrateStep(result *CalResult, buffer []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Response: done flag, temperature, then the result block when done.
	resp := make([]byte, 3+CalResultSize)
	n, err := t.roundTrip(opCalibrateStep, nil, resp)
	if err != nil {
		return false, err
	}
	if n < 3 {
		return false, fmt.Errorf("short calibrate response: %d bytes", n)
	}
	done := resp[0] != 0
	if done {
		if n < 3+CalResultSize {
			return false, fmt.Errorf("short calibration result: %d bytes", n)
		}
		result.Temperature = int16(binary.LittleEndian.Uint16(resp[1:3]))
		copy(result.Data[:], resp[3:3+CalResultSize])
	}
	return done, nil
}

func (t *SerialTransport) Prepare(plan Plan, cal *CalResult, buffer []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload := encodePlan(plan, cal)
	_, err := t.roundTrip(opPrepare, payload, nil)
	return err
}

func (t *SerialTransport) Measure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.roundTrip(opMeasure, nil, nil)
	return err
}

func (t *SerialTransport) Read(buffer []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.roundTrip(opRead, nil, buffer)
	return err
}

func (t *SerialTransport) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var resp [3]byte
	n, err := t.roundTrip(opStatus, nil, resp[:])
	if err != nil {
		return Status{}, err
	}
	if n < 3 {
		return Status{}, fmt.Errorf("short status response: %d bytes", n)
	}
	return Status{
		DataReady:   resp[0] != 0,
		Temperature: int16(binary.LittleEndian.Uint16(resp[1:3])),
	}, nil
}

func (t *SerialTransport) HibernateOn() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.roundTrip(opHibernateOn, nil, nil)
	return err
}

func (t *SerialTransport) HibernateOff() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.roundTrip(opHibernateOff, nil, nil)
	return err
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// encodePlan flattens a measurement plan and the sensor calibration into
// the bridge's prepare payload.
func encodePlan(plan Plan, cal *CalResult) []byte {
	buf := make([]byte, 0, 64+CalResultSize)
	buf = append(buf, byte(len(plan.Subsweeps)), byte(plan.SweepsPerFrame))
	buf = append(buf, boolByte(plan.ContinuousSweep), boolByte(plan.DoubleBuffering))
	buf = append(buf, byte(plan.InterFrameIdle), byte(plan.InterSweepIdle))
	buf = binary.LittleEndian.AppendUint32(buf, rateMilliHz(plan.SweepRate))
	buf = binary.LittleEndian.AppendUint32(buf, rateMilliHz(plan.FrameRate))
	for _, s := range plan.Subsweeps {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.StartPoint))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s.NumPoints))
		buf = append(buf, byte(s.StepLength), byte(s.Profile), byte(s.PRF))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s.HWAAS))
		buf = append(buf, byte(s.ReceiverGain))
		buf = append(buf, boolByte(s.EnableTX), boolByte(s.EnableLoopback), boolByte(s.PhaseEnhancement))
	}
	buf = append(buf, cal.Data[:]...)
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func rateMilliHz(hz float64) uint32 {
	if hz <= 0 {
		return 0
	}
	return uint32(hz * 1000)
}
