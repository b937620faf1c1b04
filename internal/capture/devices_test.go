package capture

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fm-radio-rt/internal/config"
	"fm-radio-rt/internal/pipeline"
)

type rtlCommand struct {
	op    byte
	param uint32
}

// fakeRTLServer accepts one client, sends header, records ncmd commands and
// then streams payload.
func fakeRTLServer(t *testing.T, header []byte, ncmd int, payload []byte) (string, <-chan []rtlCommand) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	cmds := make(chan []rtlCommand, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := conn.Write(header); err != nil {
			return
		}
		var got []rtlCommand
		buf := make([]byte, 5)
		for range ncmd {
			if _, err := io.ReadFull(conn, buf); err != nil {
				break
			}
			got = append(got, rtlCommand{op: buf[0], param: binary.BigEndian.Uint32(buf[1:])})
		}
		cmds <- got
		conn.Write(payload)
	}()
	return ln.Addr().String(), cmds
}

func rtlHeader(tuner, gains uint32) []byte {
	hdr := []byte("RTL0")
	hdr = binary.BigEndian.AppendUint32(hdr, tuner)
	return binary.BigEndian.AppendUint32(hdr, gains)
}

func TestRTLTCP_HandshakeTuneAndStream(t *testing.T) {
	payload := []byte{10, 20, 30, 40, 50, 60}
	addr, cmds := fakeRTLServer(t, rtlHeader(5, 29), 4, payload)

	dev, err := DialRTLTCP(context.Background(), addr, TunerSettings{
		CenterFrequency: 100_050_000,
		SampleRate:      1_140_000,
	}, time.Second, log.New(io.Discard))
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, uint32(5), dev.TunerType)
	assert.Equal(t, uint32(29), dev.GainLevels)
	assert.Equal(t, []rtlCommand{
		{cmdSetSampleRate, 1_140_000},
		{cmdSetFrequency, 100_050_000},
		{cmdSetGainMode, 0},
		{cmdSetAGCMode, 1},
	}, <-cmds)

	p := make([]byte, 4)
	n, err := dev.ReadBlock(p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, payload[:4], p)

	// server hangs up mid-block: a live source never ends cleanly
	n, err = dev.ReadBlock(p)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NoError(t, dev.Close())
	assert.NoError(t, dev.Close())
}

func TestRTLTCP_ManualGain(t *testing.T) {
	addr, cmds := fakeRTLServer(t, rtlHeader(5, 29), 4, nil)
	dev, err := DialRTLTCP(context.Background(), addr, TunerSettings{Gain: 496}, time.Second, log.New(io.Discard))
	require.NoError(t, err)
	defer dev.Close()

	got := <-cmds
	require.Len(t, got, 4)
	assert.Equal(t, rtlCommand{cmdSetGainMode, 1}, got[2])
	assert.Equal(t, rtlCommand{cmdSetGain, 496}, got[3])
}

func TestRTLTCP_RejectsForeignServer(t *testing.T) {
	addr, _ := fakeRTLServer(t, []byte("HTTP/1.1 400"), 0, nil)
	_, err := DialRTLTCP(context.Background(), addr, TunerSettings{}, time.Second, log.New(io.Discard))
	assert.ErrorIs(t, err, ErrBadHandshake)
}

// silentServer accepts connections and never sends anything.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func TestRTLTCP_SilentServerTimesOut(t *testing.T) {
	addr := silentServer(t)

	start := time.Now()
	_, err := DialRTLTCP(context.Background(), addr, TunerSettings{}, 50*time.Millisecond, log.New(io.Discard))
	assert.ErrorIs(t, err, ErrBadHandshake)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRTLTCP_CancelAbortsHandshake(t *testing.T) {
	addr := silentServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := DialRTLTCP(ctx, addr, TunerSettings{}, 0, log.New(io.Discard))
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake not interrupted by cancel")
	}
}

func TestOpen_SilentRTLTCPIsCaptureFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureTimeout = 50 * time.Millisecond
	cfg.Source = config.SourceConfig{Kind: config.SourceRTLTCP, Address: silentServer(t)}

	_, err := Open(context.Background(), cfg, log.New(io.Discard))
	assert.ErrorIs(t, err, pipeline.ErrCaptureFailure)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFile_ReadsToEOF(t *testing.T) {
	dev, err := OpenFile(writeTemp(t, "in.cu8", []byte{1, 2, 3, 4, 5, 6}), false)
	require.NoError(t, err)
	defer dev.Close()

	p := make([]byte, 4)
	n, err := dev.ReadBlock(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, p[:n])

	n, err = dev.ReadBlock(p)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte{5, 6}, p[:n])

	n, err = dev.ReadBlock(p)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestFile_LoopWrapsAround(t *testing.T) {
	dev, err := OpenFile(writeTemp(t, "in.cu8", []byte{1, 2, 3}), true)
	require.NoError(t, err)
	defer dev.Close()

	p := make([]byte, 8)
	n, err := dev.ReadBlock(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3, 1, 2}, p[:n])

	n, err = dev.ReadBlock(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 1, 2, 3, 1, 2, 3, 1}, p[:n])
}

func TestFile_EmptyLoopEnds(t *testing.T) {
	dev, err := OpenFile(writeTemp(t, "empty.cu8", nil), true)
	require.NoError(t, err)
	defer dev.Close()

	n, err := dev.ReadBlock(make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func writeIQWAV(t *testing.T, rate, bitDepth, chans int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iq.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, bitDepth, chans, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chans, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func TestWAV_SixteenBitIsReducedToUnsignedBytes(t *testing.T) {
	path := writeIQWAV(t, 1_140_000, 16, 2, []int{-32768, 32767, 0, -256, 256, 512})
	dev, err := OpenWAV(path, 1_140_000, false)
	require.NoError(t, err)
	defer dev.Close()

	p := make([]byte, 4)
	n, err := dev.ReadBlock(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 255, 128, 127}, p[:n])

	n, err = dev.ReadBlock(p)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte{129, 130}, p[:n])
}

func TestWAV_EightBitPassesThroughAndLoops(t *testing.T) {
	path := writeIQWAV(t, 1_140_000, 8, 2, []int{10, 20, 30, 40})
	dev, err := OpenWAV(path, 1_140_000, true)
	require.NoError(t, err)
	defer dev.Close()

	p := make([]byte, 6)
	n, err := dev.ReadBlock(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 20, 30, 40, 10, 20}, p[:n])
}

func TestWAV_RejectsMismatchedRecording(t *testing.T) {
	stereo := writeIQWAV(t, 2_048_000, 16, 2, []int{1, 2})
	_, err := OpenWAV(stereo, 1_140_000, false)
	assert.ErrorContains(t, err, "sample rate")

	mono := writeIQWAV(t, 1_140_000, 16, 1, []int{1, 2})
	_, err = OpenWAV(mono, 1_140_000, false)
	assert.ErrorContains(t, err, "2 channels")

	_, err = OpenWAV(writeTemp(t, "raw.cu8", []byte{1, 2, 3, 4}), 1_140_000, false)
	assert.ErrorContains(t, err, "not a valid WAV")
}
