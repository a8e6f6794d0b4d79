package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/normanking/avatarbridge/internal/adapter"
	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/normanking/avatarbridge/internal/config"
	"github.com/normanking/avatarbridge/internal/logging"
	"github.com/normanking/avatarbridge/internal/renderer"
	"github.com/spf13/afero"
)

func init() {
	runtime.LockOSThread()
}

type Config struct {
	WindowWidth   int
	WindowHeight  int
	WindowTitle   string
	VSync         bool
	MSAA          int
	TransparentBG bool
	ModelsDir     string
	Model         string
	State         string
	Speak         bool
	Demo          bool
}

func main() {
	cfg := parseFlags()

	syslog, err := logging.New(&logging.Config{LogDir: logging.DefaultConfig().LogDir, Level: logging.LevelInfo, Console: true})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()
	logger := syslog.Zerolog()

	appCfg, err := config.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("Using default config")
		appCfg = config.DefaultConfig()
	}

	win, err := renderer.Open(renderer.Config{
		Width:         cfg.WindowWidth,
		Height:        cfg.WindowHeight,
		Title:         cfg.WindowTitle,
		VSync:         cfg.VSync,
		MSAA:          cfg.MSAA,
		TransparentBG: cfg.TransparentBG,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to open window: %v", err)
	}
	defer win.Close()

	loader := asset.NewLoader(asset.LoaderConfig{
		Bundle:   os.DirFS(cfg.ModelsDir),
		Fs:       afero.NewOsFs(),
		CacheDir: appCfg.Assets.CacheDir,
	}, logger)

	// Keep the live native renderer so clicks reach it.
	var native atomic.Pointer[adapter.Native]
	build := adapter.NewFactory(adapter.Config{
		Loader:          loader,
		Surface:         win,
		FrameInterval:   appCfg.Avatar.FrameInterval,
		LipSyncInterval: appCfg.Avatar.LipSyncInterval,
		PulseDuration:   appCfg.Avatar.PulseDuration,
		Logger:          logger,
	})
	factory := func(ctx context.Context, spec avatar.Spec, emit func(avatar.Event)) (avatar.Renderer, error) {
		r, err := build(ctx, spec, emit)
		if n, ok := r.(*adapter.Native); ok {
			native.Store(n)
		}
		return r, err
	}

	eventBus := bus.NewEventBus()
	eventBus.Subscribe(bus.EventTypeAvatarTouched, func(bus.Event) {
		logger.Info().Msg("Avatar touched")
	})

	controller := avatar.NewController(avatar.Options{
		Factory:     factory,
		Backend:     avatar.BackendNative,
		LoadTimeout: appCfg.Avatar.LoadTimeout,
		FrameBudget: appCfg.Avatar.FrameBudget,
		Bus:         eventBus,
		Callbacks: avatar.Callbacks{
			OnModelLoaded: func(success bool) {
				logger.Info().Bool("success", success).Str("model", cfg.Model).Msg("Model load finished")
			},
			OnError: func(message string) {
				logger.Warn().Str("message", message).Msg("Renderer error")
			},
		},
		Logger: logger,
	})
	defer controller.Close()

	win.OnTap(func(x, y float32) {
		if n := native.Load(); n != nil {
			n.Tap(x, y)
		}
	})

	props := avatar.Props{Backend: avatar.BackendNative, IsSpeaking: cfg.Speak}
	if cfg.Model != "" {
		if props.Model, err = asset.ParseReference(cfg.Model); err != nil {
			log.Fatalf("Invalid model: %v", err)
		}
	}
	if props.State, err = avatar.ParseState(cfg.State); err != nil {
		log.Fatalf("Invalid state: %v", err)
	}
	if err := controller.Update(props); err != nil {
		log.Fatalf("Failed to start renderer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Demo {
		go cycleStates(ctx, controller, 4*time.Second)
	}

	logger.Info().Str("model", cfg.Model).Msg("Press Ctrl+C or close window to exit")
	if err := win.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Render loop failed")
	}
	logger.Info().Msg("Render loop ended")
}

// cycleStates walks through every avatar state, speaking on "speaking".
func cycleStates(ctx context.Context, c *avatar.Controller, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		state := avatar.States[i%len(avatar.States)]
		if err := c.SetState(state); err != nil {
			continue
		}
		c.SetSpeaking(state == avatar.StateSpeaking)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.WindowWidth, "width", 480, "Window width")
	flag.IntVar(&cfg.WindowHeight, "height", 640, "Window height")
	flag.StringVar(&cfg.WindowTitle, "title", "Avatar", "Window title")
	flag.BoolVar(&cfg.VSync, "vsync", true, "Enable VSync")
	flag.IntVar(&cfg.MSAA, "msaa", 4, "MSAA samples")
	flag.BoolVar(&cfg.TransparentBG, "transparent", false, "Transparent background")
	flag.StringVar(&cfg.ModelsDir, "models", "assets/models", "Directory of bundled models")
	flag.StringVar(&cfg.Model, "model", "bundle://avatar.gltf", "Model reference; empty shows the placeholder")
	flag.StringVar(&cfg.State, "state", "idle", "Initial avatar state")
	flag.BoolVar(&cfg.Speak, "speak", false, "Start speaking")
	flag.BoolVar(&cfg.Demo, "demo", false, "Cycle through every state")

	flag.Parse()

	return cfg
}
