package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for the capture side of the raw sample queue.
const (
	OverflowBlock = "block"
	OverflowDrop  = "drop"
)

// Gain policies applied to each audio block.
const (
	GainPeak     = "peak"
	GainSmoothed = "smoothed"
)

// Source and sink kinds.
const (
	SourceRTLTCP = "rtltcp"
	SourceFile   = "file"
	SourceWAV    = "wav"

	SinkSpeaker = "speaker"
	SinkWAV     = "wav"
	SinkBoth    = "both"
)

// SourceConfig selects the capture device.
type SourceConfig struct {
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"` // rtl_tcp host:port
	Path    string `yaml:"path"`    // file or wav replay
	Loop    bool   `yaml:"loop"`
	Gain    int    `yaml:"gain"` // tenths of dB, 0 = automatic
}

// SinkConfig selects the audio output device.
type SinkConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"` // wav recording
}

// Config holds all the configuration parameters for the application.
// It is read-only once the pipeline has started.
type Config struct {
	StationFrequency float64 `yaml:"station_frequency"`
	OffsetFrequency  float64 `yaml:"offset_frequency"`
	SampleRate       int     `yaml:"sample_rate"`
	ChannelBandwidth int     `yaml:"channel_bandwidth"`
	BlockSize        int     `yaml:"block_size"`
	AudioSampleRate  int     `yaml:"audio_sample_rate"`
	SampleWidth      int     `yaml:"sample_width"`

	Workers            int    `yaml:"workers"`
	RawQueueCapacity   int    `yaml:"raw_queue_capacity"`
	AudioQueueCapacity int    `yaml:"audio_queue_capacity"`
	OverflowPolicy     string `yaml:"overflow_policy"`

	DeemphTau       float64 `yaml:"deemphasis_tau"`
	TapsPerDecimate int     `yaml:"taps_per_decimation"`
	GainPolicy      string  `yaml:"gain_policy"`
	GainTarget      float64 `yaml:"gain_target"`

	// CaptureTimeout of zero waits on the source forever. Playback always
	// has a limit: the sink drains the audio queue even after shutdown, so a
	// stalled device would otherwise hold the process open.
	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	PlaybackTimeout time.Duration `yaml:"playback_timeout"`

	Source SourceConfig `yaml:"source"`
	Sink   SinkConfig   `yaml:"sink"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// New returns a new Config with default values.
func New() *Config {
	return &Config{
		StationFrequency:   100.3e6,
		OffsetFrequency:    250_000,
		SampleRate:         1_140_000,
		ChannelBandwidth:   200_000,
		BlockSize:          128 * 2 * 1024,
		AudioSampleRate:    40_000,
		SampleWidth:        2,
		Workers:            2,
		RawQueueCapacity:   10,
		AudioQueueCapacity: 10,
		OverflowPolicy:     OverflowBlock,
		DeemphTau:          75e-6, // 75us for the Americas, 50us for Europe
		TapsPerDecimate:    20,
		GainPolicy:         GainPeak,
		GainTarget:         10_000,
		CaptureTimeout:     5 * time.Second,
		PlaybackTimeout:    5 * time.Second,
		Source: SourceConfig{
			Kind:    SourceRTLTCP,
			Address: "127.0.0.1:1234",
		},
		Sink: SinkConfig{
			Kind: SinkSpeaker,
			Path: "fm.wav",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the invariants the pipeline relies on.
func (c *Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample_rate must be positive, got %d", ErrInvalid, c.SampleRate)
	case c.ChannelBandwidth <= 0:
		return fmt.Errorf("%w: channel_bandwidth must be positive, got %d", ErrInvalid, c.ChannelBandwidth)
	case c.AudioSampleRate <= 0:
		return fmt.Errorf("%w: audio_sample_rate must be positive, got %d", ErrInvalid, c.AudioSampleRate)
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalid, c.BlockSize)
	case c.ChannelDecimation() < 1:
		return fmt.Errorf("%w: channel bandwidth %d exceeds sample rate %d", ErrInvalid, c.ChannelBandwidth, c.SampleRate)
	case c.AudioDecimation() < 1:
		return fmt.Errorf("%w: audio rate %d exceeds channel rate %.0f", ErrInvalid, c.AudioSampleRate, c.ChannelRate())
	case c.SampleWidth != 1 && c.SampleWidth != 2:
		return fmt.Errorf("%w: sample_width must be 1 or 2 bytes, got %d", ErrInvalid, c.SampleWidth)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	case c.RawQueueCapacity < 1 || c.AudioQueueCapacity < 1:
		return fmt.Errorf("%w: queue capacities must be at least 1", ErrInvalid)
	case math.Abs(c.OffsetFrequency) >= float64(c.SampleRate)/2:
		return fmt.Errorf("%w: offset %.0f Hz outside +/- Fs/2", ErrInvalid, c.OffsetFrequency)
	case c.DeemphTau <= 0:
		return fmt.Errorf("%w: deemphasis_tau must be positive", ErrInvalid)
	case c.TapsPerDecimate < 1:
		return fmt.Errorf("%w: taps_per_decimation must be at least 1", ErrInvalid)
	case c.GainTarget <= 0:
		return fmt.Errorf("%w: gain_target must be positive", ErrInvalid)
	case c.CaptureTimeout < 0:
		return fmt.Errorf("%w: capture_timeout must not be negative", ErrInvalid)
	case c.PlaybackTimeout <= 0:
		return fmt.Errorf("%w: playback_timeout must be positive, got %s", ErrInvalid, c.PlaybackTimeout)
	}
	if c.OverflowPolicy != OverflowBlock && c.OverflowPolicy != OverflowDrop {
		return fmt.Errorf("%w: unknown overflow_policy %q", ErrInvalid, c.OverflowPolicy)
	}
	if c.GainPolicy != GainPeak && c.GainPolicy != GainSmoothed {
		return fmt.Errorf("%w: unknown gain_policy %q", ErrInvalid, c.GainPolicy)
	}
	switch c.Source.Kind {
	case SourceRTLTCP, SourceFile, SourceWAV:
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalid, c.Source.Kind)
	}
	switch c.Sink.Kind {
	case SinkSpeaker, SinkWAV, SinkBoth:
	default:
		return fmt.Errorf("%w: unknown sink kind %q", ErrInvalid, c.Sink.Kind)
	}
	return nil
}

// CenterFrequency is the frequency the capture device tunes to. The station
// sits f_offset above it, away from the DC spike.
func (c *Config) CenterFrequency() float64 {
	return c.StationFrequency - c.OffsetFrequency
}

// ChannelDecimation is floor(Fs / f_bw).
func (c *Config) ChannelDecimation() int {
	if c.ChannelBandwidth <= 0 {
		return 0
	}
	return c.SampleRate / c.ChannelBandwidth
}

// ChannelRate is Fs_y, the rate after channel decimation.
func (c *Config) ChannelRate() float64 {
	dec := c.ChannelDecimation()
	if dec < 1 {
		return 0
	}
	return float64(c.SampleRate) / float64(dec)
}

// AudioDecimation is floor(Fs_y / audio target rate).
func (c *Config) AudioDecimation() int {
	if c.AudioSampleRate <= 0 {
		return 0
	}
	return int(c.ChannelRate() / float64(c.AudioSampleRate))
}

// AudioRate is the actual output sample rate.
func (c *Config) AudioRate() int {
	dec := c.AudioDecimation()
	if dec < 1 {
		return 0
	}
	return int(c.ChannelRate() / float64(dec))
}
