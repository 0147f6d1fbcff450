package ubx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// ErrTimeout is returned when no matching frame arrives before the deadline.
var ErrTimeout = errors.New("ubx: read timeout")

// serialReadTimeout bounds each blocking read so the frame reader can check
// its own deadline.
const serialReadTimeout = 200 * time.Millisecond

// Port speaks UBX over a byte stream, normally a serial line.
type Port struct {
	rw  io.ReadWriteCloser
	now func() time.Time
}

// Open opens a serial device for UBX traffic.
func Open(device string, baud int) (*Port, error) {
	c := &serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: serialReadTimeout,
	}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", device, err)
	}
	return NewPort(p), nil
}

// NewPort wraps an existing stream.
func NewPort(rw io.ReadWriteCloser) *Port {
	return &Port{rw: rw, now: time.Now}
}

// WritePacket sends a pre-encoded frame.
func (p *Port) WritePacket(frame []byte) error {
	_, err := p.rw.Write(frame)
	return err
}

// ReadPacket reads frames until one decodes cleanly or the timeout expires.
// Frames with bad checksums are skipped.
func (p *Port) ReadPacket(timeout time.Duration) (Packet, error) {
	deadline := p.now().Add(timeout)
	for {
		frame, err := p.readFrame(deadline)
		if err != nil {
			return Packet{}, err
		}
		pkt, err := DecodePacket(frame)
		if errors.Is(err, ErrChecksum) {
			continue
		}
		return pkt, err
	}
}

// Poll sends a poll request and waits for the matching response, discarding
// unrelated periodic output.
func (p *Port) Poll(class, id uint8, timeout time.Duration) (Packet, error) {
	if err := p.WritePacket(PollPacket(class, id)); err != nil {
		return Packet{}, fmt.Errorf("write poll %02x/%02x: %w", class, id, err)
	}
	deadline := p.now().Add(timeout)
	for {
		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return Packet{}, ErrTimeout
		}
		pkt, err := p.ReadPacket(remaining)
		if err != nil {
			return Packet{}, err
		}
		if pkt.Is(class, id) {
			return pkt, nil
		}
	}
}

// PollNAVPVT polls and decodes one NAV-PVT message.
func (p *Port) PollNAVPVT(timeout time.Duration) (NavPVT, error) {
	pkt, err := p.Poll(ClassNAV, IDNAVPVT, timeout)
	if err != nil {
		return NavPVT{}, err
	}
	return ParseNAVPVT(pkt.Payload)
}

// Close closes the underlying stream.
func (p *Port) Close() error {
	if p.rw == nil {
		return nil
	}
	return p.rw.Close()
}

func (p *Port) readFrame(deadline time.Time) ([]byte, error) {
	var sync [2]byte
	for !(sync[0] == Sync1 && sync[1] == Sync2) {
		var b [1]byte
		if err := p.readFull(b[:], deadline); err != nil {
			return nil, err
		}
		sync[0], sync[1] = sync[1], b[0]
	}
	header := make([]byte, 4)
	if err := p.readFull(header, deadline); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(header[2:4]))
	if length > MaxPayload {
		return nil, ErrTooLarge
	}
	rest := make([]byte, length+checksumLen)
	if err := p.readFull(rest, deadline); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, headerLen+len(rest))
	frame = append(frame, Sync1, Sync2)
	frame = append(frame, header...)
	return append(frame, rest...), nil
}

// readFull fills buf, treating empty reads and io.EOF as "no data yet" until
// the deadline passes. The serial library reports a read timeout as io.EOF.
func (p *Port) readFull(buf []byte, deadline time.Time) error {
	got := 0
	for got < len(buf) {
		if !p.now().Before(deadline) {
			return ErrTimeout
		}
		n, err := p.rw.Read(buf[got:])
		got += n
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 && err != nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}
