// Package app wires all pendant subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves client streams until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithProcessor, WithRegistry, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/pendant/internal/config"
	"github.com/MrWong99/pendant/internal/health"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/internal/postprocess"
	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/internal/server"
	"github.com/MrWong99/pendant/internal/session"
	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/provider/vad"
	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/store/memstore"
	"github.com/MrWong99/pendant/pkg/store/postgres"
	"github.com/MrWong99/pendant/pkg/store/sqlite"
	"github.com/MrWong99/pendant/pkg/types"
)

// tuning is the hot-reloadable part of the config. It is swapped as a whole
// so a new session never sees a half-applied reload.
type tuning struct {
	vad    config.VADConfig
	engine vad.Engine
}

// App owns all subsystem lifetimes of the ingestion server.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	store     store.Store
	processor postprocess.Processor
	publisher postprocess.Publisher
	registry  *config.Registry
	metrics   *observe.Metrics
	scrape    http.Handler
	pool      *router.Pool
	health    *health.Handler
	manager   *SessionManager
	server    *server.Server
	workers   *semaphore.Weighted
	handoffs  sync.WaitGroup
	live      atomic.Pointer[tuning]

	configPath string
	watcher    *config.Watcher
	listener   net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from the storage section.
// The caller keeps ownership and closes it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProcessor injects the post-processing collaborator.
func WithProcessor(p postprocess.Processor) Option {
	return func(a *App) { a.processor = p }
}

// WithPublisher injects the lifecycle event publisher.
func WithPublisher(p postprocess.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithRegistry injects a provider registry. The built-in providers are not
// registered into it.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics. The default
// scrapes the global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the App the level variable behind the logger so a config
// reload can change verbosity.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App from cfg. It opens storage, connects the
// post-processor and builds the provider pool. Providers connect lazily on
// the first session that needs them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(slogLevel(cfg.Server.LogLevel))
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.seedUsers(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initPostprocess(); err != nil {
		a.closeAll()
		return nil, err
	}

	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinProviders(a.registry, cfg.Session, a.metrics, a.log)
	}
	engine, err := a.registry.CreateVAD(cfg.VAD)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: vad: %w", err)
	}
	a.live.Store(&tuning{vad: cfg.VAD, engine: engine})

	a.pool = router.NewPool(
		config.SlotBuilder{Registry: a.registry, Providers: cfg.Providers},
		router.WithBreaker(resilience.CircuitBreakerConfig{
			Logger:        a.log,
			OnStateChange: a.breakerChanged,
		}),
		router.WithPoolLogger(a.log),
	)

	workers := cfg.Server.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	a.workers = semaphore.NewWeighted(int64(workers))

	a.initHealth()

	a.manager = NewSessionManager(SessionManagerConfig{
		MaxSessions: cfg.Server.MaxSessions,
		Settings:    a.settings,
		Deps:        a.deps,
		SendTimeout: cfg.Session.SendTimeout(),
		Logger:      a.log,
	})
	a.server = server.New(server.Config{
		Sessions:    a.manager,
		Health:      a.health,
		Metrics:     a.scrape,
		Observe:     a.metrics,
		ReadLimit:   cfg.Server.ReadLimitBytes,
		SendTimeout: cfg.Session.SendTimeout(),
		Logger:      a.log,
	})
	return a, nil
}

func (a *App) breakerChanged(name string, _, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	var (
		s   store.Store
		err error
	)
	switch a.cfg.Storage.Driver {
	case config.StoragePostgres:
		s, err = postgres.NewStore(ctx, a.cfg.Storage.DSN)
	case config.StorageSQLite:
		s, err = sqlite.Open(ctx, a.cfg.Storage.DSN)
	case config.StorageMemory, "":
		s = memstore.New()
	default:
		err = fmt.Errorf("unknown driver %q", a.cfg.Storage.Driver)
	}
	if err != nil {
		return fmt.Errorf("app: storage: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	a.log.Info("storage ready", "driver", a.cfg.Storage.Driver)
	return nil
}

// seedUsers registers the configured users and their enrollment clips.
func (a *App) seedUsers(ctx context.Context) error {
	for _, u := range a.cfg.Auth.Users {
		if err := a.store.PutUser(ctx, store.User{UID: u.UID, Name: u.Name}); err != nil {
			return fmt.Errorf("app: seed user %q: %w", u.UID, err)
		}
		if u.SpeechProfile == "" {
			continue
		}
		raw, err := os.ReadFile(u.SpeechProfile)
		if err != nil {
			return fmt.Errorf("app: speech profile of %q: %w", u.UID, err)
		}
		pcm, rate, err := audio.ParseWAV(raw)
		if err != nil {
			return fmt.Errorf("app: speech profile of %q: %w", u.UID, err)
		}
		samples := len(pcm) / 2
		err = a.store.PutProfile(ctx, types.SpeechProfile{
			UID:        u.UID,
			Audio:      pcm,
			SampleRate: rate,
			Duration:   time.Duration(samples) * time.Second / time.Duration(rate),
		})
		if err != nil {
			return fmt.Errorf("app: seed profile of %q: %w", u.UID, err)
		}
	}
	if n := len(a.cfg.Auth.Users); n > 0 {
		a.log.Info("users seeded", "count", n)
	}
	return nil
}

func (a *App) initPostprocess() error {
	if a.processor != nil && a.publisher != nil {
		return nil
	}
	pc := a.cfg.Postprocess
	if pc.NATSURL == "" {
		if a.processor == nil {
			a.processor = postprocess.Noop{}
		}
		if a.publisher == nil {
			a.publisher = postprocess.Noop{}
		}
		return nil
	}
	nc, err := postprocess.Connect(postprocess.NATSConfig{
		URL:           pc.NATSURL,
		Subject:       pc.Subject,
		EventsSubject: pc.EventsSubject,
	})
	if err != nil {
		return fmt.Errorf("app: postprocess: %w", err)
	}
	a.closers = append(a.closers, nc.Close)
	if a.processor == nil {
		a.processor = nc
	}
	if a.publisher == nil {
		a.publisher = nc
	}
	a.log.Info("postprocess connected", "url", pc.NATSURL, "subject", pc.Subject)
	return nil
}

func (a *App) initHealth() {
	checkers := []health.Checker{{Name: "storage", Check: a.store.Ping}}
	if nc, ok := a.publisher.(*postprocess.NATSClient); ok {
		checkers = append(checkers, health.Checker{
			Name:     "nats",
			Optional: true,
			Check: func(context.Context) error {
				if !nc.Connected() {
					return errors.New("not connected")
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers...)
}

// settings snapshots the per-session tuning. Called once per opening session.
func (a *App) settings() session.Settings {
	t := a.live.Load()
	s := a.cfg.Session
	return session.Settings{
		SoftDeadline:   s.SoftDeadline(),
		Heartbeat:      s.Heartbeat(),
		IdleFinalize:   s.IdleFinalize(),
		SendTimeout:    s.SendTimeout(),
		CloseGrace:     s.CloseGrace(),
		ProfileMargin:  s.ProfileMargin(),
		HandoffTimeout: a.cfg.Postprocess.Timeout(),
		QueueFrames:    s.QueueFrames,
		Gate:           t.vad.Gate(),
		Aggressiveness: t.vad.Aggressiveness,
	}
}

func (a *App) deps() session.Deps {
	var users store.UserResolver = a.store
	if a.cfg.Auth.AllowAny {
		users = allowAnyResolver{a.store}
	}
	return session.Deps{
		Pool:          a.pool,
		VAD:           a.live.Load().engine,
		Users:         users,
		Profiles:      a.store,
		Conversations: a.store,
		Processor:     a.processor,
		Publisher:     a.publisher,
		Workers:       a.workers,
		Handoffs:      &a.handoffs,
		Metrics:       a.metrics,
		Logger:        a.log,
	}
}

// Handler returns the HTTP handler of the server.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Run serves client streams until ctx is cancelled or the listener fails.
// Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, config.WithWatchLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln) }()

	a.log.Info("pendant running", "addr", ln.Addr().String(), "max_sessions", a.cfg.Server.MaxSessions)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// reload applies the live-reloadable parts of a changed config file.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		cur := a.live.Load()
		engine := cur.engine
		if d.NewVAD.Engine != cur.vad.Engine {
			e, err := a.registry.CreateVAD(d.NewVAD)
			if err != nil {
				a.log.Error("vad reload failed, keeping previous tuning", "engine", d.NewVAD.Engine, "err", err)
				return
			}
			engine = e
		}
		a.live.Store(&tuning{vad: d.NewVAD, engine: engine})
		a.log.Info("vad tuning reloaded", "engine", d.NewVAD.Engine, "applies_to", "new sessions")
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config change requires restart", "section", section)
	}
}

// Shutdown stops accepting sessions, closes the running ones with "going
// away", waits for post-processing handoffs and releases all resources. It
// is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		a.health.SetDraining(true)

		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: server shutdown: %w", err))
		}
		if err := waitGroup(ctx, &a.handoffs); err != nil {
			errs = append(errs, fmt.Errorf("app: post-processing handoffs: %w", err))
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		errs = append(errs, a.closeAll())
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// allowAnyResolver accepts every non-empty uid. Known users keep their
// stored name.
type allowAnyResolver struct {
	next store.UserResolver
}

func (r allowAnyResolver) ResolveUser(ctx context.Context, uid string) (store.User, error) {
	u, err := r.next.ResolveUser(ctx, uid)
	if errors.Is(err, store.ErrNotFound) && uid != "" {
		return store.User{UID: uid}, nil
	}
	return u, err
}
