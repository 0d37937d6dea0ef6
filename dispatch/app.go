package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/runtime"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrLoggerRequired is returned when the Launcher has no logger configured.
	ErrLoggerRequired = errors.New("launcher logger is required")
	// ErrEmptyAppName is returned when an app name is empty or whitespace.
	ErrEmptyAppName = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrLauncherConfig is returned when launcher option application collected errors.
	ErrLauncherConfig = errors.New("launcher configuration failed")
)

// App represents a long-running component supervised by a Launcher, such as
// the outbox publisher or a transport consumer.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher at construction.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher's logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an application with the launcher. Registration errors are
// collected and surfaced by RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them to
// finish.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error
}

// NewLauncher creates a Launcher and applies the given options.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers an application under the given name.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyAppName
	}

	if app == nil {
		return ErrNilApp
	}

	l.apps[appName] = app

	return nil
}

// Run starts every registered application. Errors are logged; use
// RunWithError for explicit handling.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil {
		if l != nil && l.Logger != nil {
			l.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
		}
	}
}

// RunWithError starts every registered application and blocks until all of
// them return. It fails fast on missing configuration or errors collected
// during option application. Safe to call on a Launcher built without
// NewLauncher; fields are lazily initialized.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerRequired
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrLauncherConfig}, l.configErrors...)...)
	}

	count := len(l.apps)
	l.wg.Add(count)

	l.Logger.Log(context.Background(), log.LevelInfo, "starting apps", log.Int("count", count))

	for name, app := range l.apps {
		runtime.SafeGoWithContext(
			context.Background(),
			l.Logger,
			"launcher",
			"run_app_"+name,
			runtime.KeepRunning,
			func(ctx context.Context) {
				defer l.wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

				if err := app.Run(l); err != nil {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
			},
		)
	}

	l.wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return nil
}
