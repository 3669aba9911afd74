// Package server assembles the pipeline from configuration and serves it over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kagent-dev/codegen/pkg/archive"
	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/extract"
	"github.com/kagent-dev/codegen/pkg/generator"
	"github.com/kagent-dev/codegen/pkg/llm"
	"github.com/kagent-dev/codegen/pkg/metrics"
	"github.com/kagent-dev/codegen/pkg/project"
	"github.com/kagent-dev/codegen/pkg/session"
	"github.com/kagent-dev/codegen/pkg/storage"
)

// AppName is reported by the health endpoint.
const AppName = "codegen"

// App holds the wired pipeline components
type App struct {
	Config    *config.Config
	Sessions  session.Store
	Model     llm.Client
	Projects  *project.Materializer
	Packager  *archive.Packager
	Generator *generator.Generator

	registry *prometheus.Registry
	log      logr.Logger
	closers  []func() error
}

// Option configures NewApp.
type Option func(*appOptions)

type appOptions struct {
	model    llm.Client
	sessions session.Store
	registry *prometheus.Registry
	log      logr.Logger
}

// WithModel injects a model client instead of building one from config.
func WithModel(c llm.Client) Option {
	return func(o *appOptions) { o.model = c }
}

// WithSessionStore injects a session store instead of building one from config.
func WithSessionStore(s session.Store) Option {
	return func(o *appOptions) { o.sessions = s }
}

// WithRegistry sets the prometheus registry metrics are registered with.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *appOptions) { o.registry = r }
}

// WithLogger sets the logger handed to requests.
func WithLogger(log logr.Logger) Option {
	return func(o *appOptions) { o.log = log }
}

// NewApp creates a new App from cfg. It fails when the model provider has no
// credentials, so a process never serves traffic without them.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := appOptions{log: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.model == nil {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
	}

	app := &App{Config: cfg, log: o.log, registry: o.registry}
	if app.registry == nil {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	observer, err := metrics.NewPrometheusObserver(AppName, app.registry)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to register metrics", err)
	}

	layout, err := storage.FromConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}

	app.Model = o.model
	if app.Model == nil {
		if app.Model, err = llm.NewClient(cfg.Model); err != nil {
			return nil, err
		}
	}

	app.Sessions = o.sessions
	if app.Sessions == nil {
		store, closeFn, err := session.NewStore(ctx, cfg.Session, o.log)
		if err != nil {
			return nil, err
		}
		app.Sessions = store
		app.closers = append(app.closers, closeFn)
	}

	app.Projects = project.NewMaterializer(layout, project.WithObserver(observer))
	app.Packager = archive.NewPackager(app.Projects, archive.WithObserver(observer))
	app.Generator = generator.New(
		app.Sessions,
		app.Model,
		extract.New(
			extract.WithRepair(cfg.Extraction.Repair),
			extract.WithPreviewLimit(cfg.Extraction.PreviewLimit),
			extract.WithObserver(observer),
		),
		app.Projects,
		generator.WithPackager(app.Packager),
		generator.WithObserver(observer),
		generator.WithModelTimeout(cfg.Model.Timeout),
	)

	o.log.Info("Application initialized",
		"storage", layout.Root(),
		"sessionBackend", cfg.Session.Backend,
		"provider", cfg.Model.Provider,
		"model", app.Model.ModelName())
	return app, nil
}

// Close releases backend resources
func (a *App) Close() error {
	var result *multierror.Error
	for _, c := range a.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Build creates the HTTP server
func (a *App) Build() *http.Server {
	return &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Handler returns the router serving every endpoint.
func (a *App) Handler() http.Handler {
	router := mux.NewRouter()
	a.setupRoutes(router)
	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	srv := a.Build()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	a.log.Info("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
