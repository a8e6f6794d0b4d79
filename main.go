// AvatarBridge - desktop host for the companion avatar
package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"

	"github.com/normanking/avatarbridge/internal/adapter"
	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/bridge"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/normanking/avatarbridge/internal/config"
	"github.com/normanking/avatarbridge/internal/logging"
	"github.com/normanking/avatarbridge/internal/sandbox"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/spf13/afero"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
)

//go:embed all:frontend/dist
var assets embed.FS

//go:embed assets/models
var models embed.FS

const version = "1.0.0"

// Global logger instance
var syslog *logging.Logger

// getAssets returns the frontend assets with the correct path
func getAssets() fs.FS {
	fsys, err := fs.Sub(assets, "frontend/dist")
	if err != nil {
		syslog.Error("assets", "Failed to get assets", err, nil)
		panic(err)
	}
	return fsys
}

// modelBundle returns the bundled models: the configured directory when set,
// otherwise the ones embedded in the binary.
func modelBundle(cfg *config.Config) fs.FS {
	if cfg.Assets.BundleDir != "" {
		return os.DirFS(cfg.Assets.BundleDir)
	}
	fsys, err := fs.Sub(models, "assets/models")
	if err != nil {
		panic(err)
	}
	return fsys
}

func main() {
	cfg, cfgErr := config.Load()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var err error
	syslog, err = logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   logging.LogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	syslog.Info("main", "========================================", nil)
	syslog.Info("main", "AvatarBridge starting...", nil)
	syslog.Info("main", "========================================", nil)

	if cfgErr != nil {
		syslog.Warn("config", "Failed to load config, using defaults", map[string]interface{}{
			"error": cfgErr.Error(),
		})
		cfg = config.DefaultConfig()
	}
	syslog.Info("config", "Configuration loaded", map[string]interface{}{
		"windowSize": fmt.Sprintf("%dx%d", cfg.Window.Width, cfg.Window.Height),
		"backend":    cfg.Avatar.Backend,
		"model":      cfg.Avatar.Model,
		"sandbox":    cfg.Sandbox.Mode,
	})

	zlogger := syslog.Zerolog()
	eventBus := bus.NewEventBus()

	loader := asset.NewLoader(asset.LoaderConfig{
		Bundle:   modelBundle(cfg),
		Fs:       afero.NewOsFs(),
		CacheDir: cfg.Assets.CacheDir,
		Client:   &http.Client{Timeout: cfg.Avatar.LoadTimeout},
	}, zlogger)

	app := &App{cfg: cfg, syslog: syslog, eventBus: eventBus, loader: loader}

	var dial adapter.DialFunc
	switch cfg.Sandbox.Mode {
	case config.SandboxWebSocket:
		dial = adapter.WebSocket(cfg.Sandbox.URL, cfg.Sandbox.Dial, zlogger)
	case config.SandboxWebView:
		// The Wails context only exists once startup has run.
		dial = func(ctx context.Context, backend avatar.Backend) (transport.Transport, error) {
			return adapter.WebView(transport.WailsEvents{Ctx: app.ctx})(ctx, backend)
		}
	default:
		dial = adapter.InProcess(sandbox.Options{
			FrameInterval:   cfg.Avatar.FrameInterval,
			LipSyncInterval: cfg.Avatar.LipSyncInterval,
			PulseDuration:   cfg.Avatar.PulseDuration,
			Models:          loader.Models,
			Logger:          zlogger,
		}, adapter.Rigs())
	}

	backend, err := avatar.ParseBackend(cfg.Avatar.Backend)
	if err != nil {
		syslog.Warn("config", "Unknown backend, using animation", map[string]interface{}{"backend": cfg.Avatar.Backend})
		backend = avatar.BackendAnimation
	}
	var fallback avatar.Backend
	if cfg.Avatar.Fallback != "" {
		if fallback, err = avatar.ParseBackend(cfg.Avatar.Fallback); err != nil {
			syslog.Warn("config", "Unknown fallback backend ignored", map[string]interface{}{"fallback": cfg.Avatar.Fallback})
			fallback = ""
		}
	}
	var model asset.ModelReference
	if cfg.Avatar.Model != "" {
		if model, err = asset.ParseReference(cfg.Avatar.Model); err != nil {
			syslog.Warn("config", "Invalid model reference ignored", map[string]interface{}{"model": cfg.Avatar.Model})
			model = asset.ModelReference{}
		}
	}

	// The bridge is created after the controller, so frames go through app.
	factory := adapter.NewFactory(adapter.Config{
		Loader:          loader,
		Dial:            dial,
		Surface:         adapter.SurfaceFunc(func(f adapter.Frame) { app.frame(f) }),
		Frames:          func(f adapter.AnimationFrame) { app.frame(f) },
		Audio:           adapter.BusAudio(eventBus),
		FrameInterval:   cfg.Avatar.FrameInterval,
		LipSyncInterval: cfg.Avatar.LipSyncInterval,
		PulseDuration:   cfg.Avatar.PulseDuration,
		Logger:          zlogger,
	})

	app.controller = avatar.NewController(avatar.Options{
		Factory:     factory,
		Backend:     backend,
		Fallback:    fallback,
		LoadTimeout: cfg.Avatar.LoadTimeout,
		FrameBudget: cfg.Avatar.FrameBudget,
		Bus:         eventBus,
		Callbacks: avatar.Callbacks{
			OnModelLoaded: func(success bool) {
				syslog.Info("avatar", "Model load finished", map[string]interface{}{"success": success})
			},
			OnError: func(message string) {
				syslog.Warn("avatar", "Renderer error", map[string]interface{}{"message": message})
			},
		},
		Logger: zlogger,
	})
	app.selection = avatar.NewSelection(avatar.Choice{Backend: backend, Model: model}, eventBus)
	app.avatarBridge = bridge.NewAvatarBridge(app.controller, app.selection, eventBus, nil, zlogger)
	app.logBridge = bridge.NewLogBridge(syslog, nil)

	if cfg.Feed.URL != "" {
		app.feed = avatar.NewFeed(cfg.Feed.URL, avatar.Drive(app.controller), zlogger)
	}
	if cfg.Assets.Watch && cfg.Assets.BundleDir != "" {
		app.watcher, err = asset.NewWatcher(cfg.Assets.BundleDir, loader, app.modelChanged, zlogger)
		if err != nil {
			syslog.Warn("assets", "Hot reload disabled", map[string]interface{}{"error": err.Error()})
		}
	}

	appOptions := &options.App{
		Title:       cfg.Window.Title,
		Width:       cfg.Window.Width,
		Height:      cfg.Window.Height,
		MinWidth:    240,
		MinHeight:   320,
		Frameless:   cfg.Window.Frameless,
		AlwaysOnTop: cfg.Window.AlwaysOnTop,
		AssetServer: &assetserver.Options{
			Assets: getAssets(),
		},
		BackgroundColour: &options.RGBA{R: 26, G: 26, B: 46, A: 255},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []interface{}{
			app,
			app.avatarBridge,
			app.logBridge,
		},
		Mac: &mac.Options{
			TitleBar: &mac.TitleBar{
				TitlebarAppearsTransparent: true,
				FullSizeContent:            true,
			},
			WebviewIsTransparent: cfg.Window.Transparent,
			WindowIsTranslucent:  cfg.Window.Transparent,
			About: &mac.AboutInfo{
				Title:   "AvatarBridge",
				Message: "Companion avatar host\nVersion " + version,
			},
		},
	}
	if cfg.Window.Transparent {
		appOptions.BackgroundColour = &options.RGBA{}
	}

	syslog.Info("wails", "Starting Wails application...", nil)
	if err := wails.Run(appOptions); err != nil {
		syslog.Error("wails", "Wails.Run failed", err, nil)
		os.Exit(1)
	}
	syslog.Info("main", "Application exited normally", nil)
}

// App struct holds the main application state
type App struct {
	ctx          context.Context
	cancel       context.CancelFunc
	cfg          *config.Config
	syslog       *logging.Logger
	eventBus     *bus.EventBus
	loader       *asset.Loader
	controller   *avatar.Controller
	selection    *avatar.Selection
	avatarBridge *bridge.AvatarBridge
	logBridge    *bridge.LogBridge
	feed         *avatar.Feed
	watcher      *asset.Watcher
	unfollow     func()
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.syslog.Debug("lifecycle", "App.startup() called", nil)
	a.ctx = ctx

	a.avatarBridge.Bind(ctx)
	a.logBridge.Bind(ctx)

	// Loading starts only once the frontend can receive events.
	a.unfollow = a.controller.Follow(a.selection)

	bg, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if a.feed != nil {
		a.syslog.Info("feed", "Following state feed", map[string]interface{}{"url": a.cfg.Feed.URL})
		a.feed.Connect(bg)
	}
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(bg); err != nil && bg.Err() == nil {
				a.syslog.Error("assets", "Watcher stopped", err, nil)
			}
		}()
	}

	a.syslog.Info("lifecycle", "App.startup() complete", nil)
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	a.syslog.Info("lifecycle", "App.shutdown() called", nil)
	if a.cancel != nil {
		a.cancel()
	}
	if a.feed != nil {
		a.feed.Disconnect()
	}
	if a.unfollow != nil {
		a.unfollow()
	}
	a.avatarBridge.Unbind()
	if err := a.controller.Close(); err != nil {
		a.syslog.Warn("lifecycle", "Controller close failed", map[string]interface{}{"error": err.Error()})
	}
	a.syslog.Info("lifecycle", "AvatarBridge shutdown complete", nil)
}

func (a *App) frame(f any) {
	if a.avatarBridge != nil {
		bridge.FrameSink[any](a.avatarBridge)(f)
	}
}

// modelChanged reloads the avatar when its bundled asset is edited on disk.
func (a *App) modelChanged(ref asset.ModelReference) {
	a.eventBus.Publish(bus.Event{
		Type: bus.EventTypeModelChanged,
		Data: map[string]any{"model": ref.String()},
	})
	reloaded, err := a.controller.ReloadIf(ref)
	if err != nil {
		a.syslog.Warn("assets", "Reload failed", map[string]interface{}{"model": ref.String(), "error": err.Error()})
		return
	}
	if reloaded {
		a.syslog.Info("assets", "Reloaded changed model", map[string]interface{}{"model": ref.String()})
	}
}

// GetVersion returns the application version
func (a *App) GetVersion() string {
	return version
}

// GetConfig returns the current configuration
func (a *App) GetConfig() *config.Config {
	return a.cfg
}
