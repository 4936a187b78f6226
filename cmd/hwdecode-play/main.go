package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/parser/h264"
	"github.com/xaionaro-go/hwdecode/pipeline"
	"github.com/xaionaro-go/hwdecode/source"
	"github.com/xaionaro-go/hwdecode/surface/memory"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] <input.mp4|input.flv|URL>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	configPath := pflag.String("config", "", "path to a YAML config file")
	var profile hwdecode.VideoCodecProfile
	pflag.Var(&profile, "profile", "codec profile to initialize the decoder with (default: the one of the input)")
	bufferCount := pflag.Int("picture-buffers", 0, "amount of picture buffers (overrides the config)")
	inputOptions := pflag.StringArray("input-option", nil, "a libavformat input option as 'key=value' (may be repeated)")
	codecOptionFlags := pflag.StringArray("codec-option", nil, "a libavcodec decoder option as 'key=value' (may be repeated)")
	maxInFlight := pflag.Int("max-in-flight", 32, "maximal amount of bitstream units submitted but not processed yet")
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	cfg, err := readConfig(*configPath)
	if err != nil {
		l.Fatal(err)
	}
	if profile != hwdecode.VideoCodecProfileUndefined {
		cfg.Profile = profile
	}
	if *bufferCount > 0 {
		cfg.PictureBuffers.Count = *bufferCount
	}
	if cfg.PictureBuffers.Count <= 0 {
		l.Fatalf("invalid amount of picture buffers: %d", cfg.PictureBuffers.Count)
	}

	inputPath := pflag.Arg(0)
	l.Debugf("opening '%s'...", inputPath)
	src, err := openSource(ctx, inputPath, *inputOptions)
	if err != nil {
		l.Fatal(err)
	}
	defer src.Close()
	if cfg.Profile == hwdecode.VideoCodecProfileUndefined {
		cfg.Profile = src.Profile()
	}
	if cfg.Profile == hwdecode.VideoCodecProfileUndefined {
		l.Fatalf("unable to detect the codec profile of '%s', please set --profile", inputPath)
	}

	codecOptions, err := parseCodecOptions(*codecOptionFlags)
	if err != nil {
		l.Fatal(err)
	}
	if len(codecOptions) > 0 {
		cfg.Session.CustomOptions = hwdecode.SetCustomOption(cfg.Session.CustomOptions, codecOptions)
	}
	sessionFactory, err := newSessionFactory(ctx, cfg.Session)
	if err != nil {
		l.Fatal(err)
	}

	binder := memory.New()
	p := pipeline.New(ctx, sessionFactory, h264.New(), binder)
	pl := newPlayer(ctx, cancelFn, p, binder, cfg.PictureBuffers.Count, *maxInFlight)
	if err := p.Initialize(ctx, cfg.Profile, pl); err != nil {
		l.Fatal(err)
	}
	if !cfg.PictureBuffers.Size.IsEmpty() {
		// no callbacks are possible before the first unit
		if err := pl.assignBuffers(ctx, cfg.PictureBuffers.Size); err != nil {
			l.Fatal(err)
		}
	}

	startedAt := time.Now()
	observability.Go(ctx, func(ctx context.Context) {
		err := feed(ctx, src, pl)
		switch {
		case err == nil:
			l.Debugf("the input has ended, flushing")
			p.Flush(ctx)
		case errors.Is(err, context.Canceled):
		default:
			logger.Errorf(ctx, "unable to read the input: %v", err)
			cancelFn()
		}
	})

	isTerminal := isatty.IsTerminal(os.Stdout.Fd())
	t := time.NewTicker(time.Second)
	defer t.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-pl.FlushDone():
			break loop
		case <-t.C:
			stats := p.GetStats()
			if isTerminal {
				fmt.Printf("\rreceived:%d decoded:%d delivered:%d dropped:%d", stats.UnitsReceived, stats.FramesDecoded, stats.FramesDelivered, stats.FramesDropped)
			} else {
				fmt.Printf("received:%d decoded:%d delivered:%d dropped:%d\n", stats.UnitsReceived, stats.FramesDecoded, stats.FramesDelivered, stats.FramesDropped)
			}
		}
	}
	if isTerminal {
		fmt.Println()
	}

	p.Destroy(ctx)
	<-p.Destroyed()

	elapsed := time.Since(startedAt)
	b, err := yaml.Marshal(p.GetStats())
	if err != nil {
		l.Fatal(err)
	}
	fmt.Printf("%s", b)
	fmt.Printf("frames shown: %d in %v (%.1f fps)\n", pl.framesShown.Load(), elapsed, float64(pl.framesShown.Load())/elapsed.Seconds())
	if err := pl.LastError(); err != nil {
		l.Fatal(err)
	}
}

func feed(
	ctx context.Context,
	src source.Source,
	pl *player,
) error {
	for id := hwdecode.BitstreamID(0); ; id++ {
		au, err := src.NextAccessUnit(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		logger.Tracef(ctx, "unit %d: %d bytes, pts %v, key frame: %t", id, len(au.Data), au.PTS, au.IsKeyFrame)
		if err := pl.Feed(ctx, hwdecode.BitstreamUnit{ID: id, Data: au.Data}); err != nil {
			return err
		}
	}
}
