package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// rtl_tcp command opcodes.
const (
	cmdSetFrequency  = 0x01
	cmdSetSampleRate = 0x02
	cmdSetGainMode   = 0x03
	cmdSetGain       = 0x04
	cmdSetAGCMode    = 0x08
)

const dialTimeout = 10 * time.Second

var rtlMagic = [4]byte{'R', 'T', 'L', '0'}

// ErrBadHandshake means the peer is not an rtl_tcp server.
var ErrBadHandshake = errors.New("rtl_tcp: bad handshake")

// TunerSettings is what gets sent to the dongle after connecting.
type TunerSettings struct {
	CenterFrequency uint32
	SampleRate      uint32
	Gain            int // tenths of dB, 0 = automatic
}

// RTLTCP streams IQ samples from an rtl_tcp server.
type RTLTCP struct {
	conn   net.Conn
	reader *bufio.Reader

	TunerType  uint32
	GainLevels uint32

	closeOnce sync.Once
	closeErr  error
}

// DialRTLTCP connects to addr, checks the dongle header and tunes it. The
// handshake and tuning must finish within timeout (zero means no limit) and
// are abandoned when ctx is cancelled.
func DialRTLTCP(ctx context.Context, addr string, tuning TunerSettings, timeout time.Duration, logger *log.Logger) (*RTLTCP, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rtl_tcp at %s: %w", addr, err)
	}
	r := newRTLTCP(conn)
	if err := r.setup(ctx, tuning, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("connected to rtl_tcp",
		"addr", addr,
		"tuner", r.TunerType,
		"gains", r.GainLevels,
		"center", tuning.CenterFrequency,
		"rate", tuning.SampleRate,
	)
	return r, nil
}

func newRTLTCP(conn net.Conn) *RTLTCP {
	return &RTLTCP{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
	}
}

func (r *RTLTCP) setup(ctx context.Context, tuning TunerSettings, timeout time.Duration) error {
	if timeout > 0 {
		if err := r.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	// an expired deadline wakes the blocked read or write
	stop := context.AfterFunc(ctx, func() { r.conn.SetDeadline(time.Now()) })
	defer stop()

	err := r.handshake()
	if err == nil {
		err = r.Tune(tuning)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("rtl_tcp setup: %w", ctx.Err())
	}
	if err != nil {
		return err
	}
	if !stop() {
		return fmt.Errorf("rtl_tcp setup: %w", context.Canceled)
	}
	return r.conn.SetDeadline(time.Time{})
}

// handshake reads the 12-byte dongle info header.
func (r *RTLTCP) handshake() error {
	var hdr [12]byte
	if _, err := io.ReadFull(r.reader, hdr[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	if [4]byte(hdr[:4]) != rtlMagic {
		return fmt.Errorf("%w: magic %q", ErrBadHandshake, hdr[:4])
	}
	r.TunerType = binary.BigEndian.Uint32(hdr[4:8])
	r.GainLevels = binary.BigEndian.Uint32(hdr[8:12])
	return nil
}

// Tune sets sample rate, centre frequency and gain.
func (r *RTLTCP) Tune(t TunerSettings) error {
	if err := r.command(cmdSetSampleRate, t.SampleRate); err != nil {
		return err
	}
	if err := r.command(cmdSetFrequency, t.CenterFrequency); err != nil {
		return err
	}
	if t.Gain <= 0 {
		if err := r.command(cmdSetGainMode, 0); err != nil {
			return err
		}
		return r.command(cmdSetAGCMode, 1)
	}
	if err := r.command(cmdSetGainMode, 1); err != nil {
		return err
	}
	return r.command(cmdSetGain, uint32(t.Gain))
}

func (r *RTLTCP) command(op byte, param uint32) error {
	var buf [5]byte
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:], param)
	if _, err := r.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("rtl_tcp command 0x%02x: %w", op, err)
	}
	return nil
}

// ReadBlock fills p from the sample stream. A live stream has no end, so a
// closed connection is reported as io.ErrUnexpectedEOF rather than io.EOF.
func (r *RTLTCP) ReadBlock(p []byte) (int, error) {
	n, err := io.ReadFull(r.reader, p)
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *RTLTCP) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.conn.Close() })
	return r.closeErr
}
