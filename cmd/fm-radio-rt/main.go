package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"fm-radio-rt/internal/capture"
	"fm-radio-rt/internal/config"
	"fm-radio-rt/internal/metrics"
	"fm-radio-rt/internal/pipeline"
	"fm-radio-rt/internal/playback"
)

// Exit codes.
const (
	exitOK = iota
	exitUsage
	exitCapture
	exitPlayback
	exitOther
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "fm-radio-rt",
	})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = listen(ctx, cfg, logger)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pipeline.ErrCaptureFailure):
		logger.Error("capture failed", "err", err)
		return exitCapture
	case errors.Is(err, pipeline.ErrPlaybackFailure):
		logger.Error("playback failed", "err", err)
		return exitPlayback
	default:
		logger.Error("receiver stopped", "err", err)
		return exitOther
	}
}

// listen opens the devices and runs the pipeline until the stream ends or
// ctx is cancelled.
func listen(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Warn("metrics endpoint stopped", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	src, err := capture.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	out, err := playback.Open(cfg)
	if err != nil {
		src.Close()
		return err
	}

	logger.Info("tuning",
		"station", cfg.StationFrequency,
		"center", cfg.CenterFrequency(),
		"source", cfg.Source.Kind,
		"sink", cfg.Sink.Kind,
	)
	p := pipeline.New(cfg,
		capture.NewAdapter(cfg, src, m, logger),
		playback.NewSink(cfg, out, m, logger),
		m, logger)
	return p.Run(ctx)
}

// parseConfig builds the configuration from defaults, an optional YAML file
// and command line flags, in increasing order of precedence.
func parseConfig(args []string) (*config.Config, error) {
	def := config.New()
	fs := pflag.NewFlagSet("fm-radio-rt", pflag.ContinueOnError)
	var (
		configFile  = fs.StringP("config", "c", "", "YAML configuration file")
		station     = fs.Float64P("station", "f", def.StationFrequency, "Station frequency in Hz")
		offset      = fs.Float64("offset", def.OffsetFrequency, "Tuning offset below the station in Hz")
		sampleRate  = fs.Int("sample-rate", def.SampleRate, "Capture sample rate in Hz")
		bandwidth   = fs.Int("bandwidth", def.ChannelBandwidth, "FM channel bandwidth in Hz")
		blockSize   = fs.Int("block-size", def.BlockSize, "Complex samples per capture block")
		audioRate   = fs.Int("audio-rate", def.AudioSampleRate, "Target audio sample rate in Hz")
		width       = fs.Int("width", def.SampleWidth, "Audio sample width in bytes (1 or 2)")
		workers     = fs.IntP("workers", "w", def.Workers, "Demodulation workers")
		overflow    = fs.String("overflow", def.OverflowPolicy, "Raw queue overflow policy (block, drop)")
		gainPolicy  = fs.String("gain", def.GainPolicy, "Gain policy (peak, smoothed)")
		source      = fs.StringP("source", "s", def.Source.Kind, "Capture source (rtltcp, file, wav)")
		address     = fs.String("rtl-tcp", def.Source.Address, "rtl_tcp server address")
		input       = fs.StringP("input", "i", "", "IQ file for the file and wav sources")
		loop        = fs.Bool("loop", false, "Replay the input file forever")
		tunerGain   = fs.Int("tuner-gain", def.Source.Gain, "Tuner gain in tenths of dB (0 = auto)")
		sink        = fs.String("sink", def.Sink.Kind, "Audio output (speaker, wav, both)")
		output      = fs.StringP("output", "o", def.Sink.Path, "WAV recording path")
		logLevel    = fs.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
		metricsAddr = fs.String("metrics", "", "Serve Prometheus metrics on this address")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}

	overrides := map[string]func(){
		"station":     func() { cfg.StationFrequency = *station },
		"offset":      func() { cfg.OffsetFrequency = *offset },
		"sample-rate": func() { cfg.SampleRate = *sampleRate },
		"bandwidth":   func() { cfg.ChannelBandwidth = *bandwidth },
		"block-size":  func() { cfg.BlockSize = *blockSize },
		"audio-rate":  func() { cfg.AudioSampleRate = *audioRate },
		"width":       func() { cfg.SampleWidth = *width },
		"workers":     func() { cfg.Workers = *workers },
		"overflow":    func() { cfg.OverflowPolicy = *overflow },
		"gain":        func() { cfg.GainPolicy = *gainPolicy },
		"source":      func() { cfg.Source.Kind = *source },
		"rtl-tcp":     func() { cfg.Source.Address = *address },
		"input":       func() { cfg.Source.Path = *input },
		"loop":        func() { cfg.Source.Loop = *loop },
		"tuner-gain":  func() { cfg.Source.Gain = *tunerGain },
		"sink":        func() { cfg.Sink.Kind = *sink },
		"output":      func() { cfg.Sink.Path = *output },
		"log-level":   func() { cfg.LogLevel = *logLevel },
		"metrics":     func() { cfg.MetricsAddr = *metricsAddr },
	}
	fs.Visit(func(f *pflag.Flag) {
		if set, ok := overrides[f.Name]; ok {
			set()
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
