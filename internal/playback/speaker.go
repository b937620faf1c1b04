package playback

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// Speaker plays audio on the default output through oto. Writes go into a
// pipe the oto player reads from, so Write blocks while the player's buffer
// is full.
type Speaker struct {
	player *oto.Player
	writer *io.PipeWriter

	closeOnce sync.Once
	closeErr  error
}

// NewSpeaker opens a mono output at rate Hz with width-byte samples.
func NewSpeaker(rate, width int) (*Speaker, error) {
	format := oto.FormatSignedInt16LE
	if width == 1 {
		format = oto.FormatUnsignedInt8
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audio output: %w", err)
	}
	<-ready

	reader, writer := io.Pipe()
	player := ctx.NewPlayer(reader)
	player.Play()
	return &Speaker{player: player, writer: writer}, nil
}

func (s *Speaker) Write(p []byte) (int, error) {
	if err := s.player.Err(); err != nil {
		return 0, err
	}
	return s.writer.Write(p)
}

func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.writer.Close(), s.player.Close())
	})
	return s.closeErr
}
