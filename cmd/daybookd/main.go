// Command daybookd runs the journal sync service: a local-first record store
// with an offline queue, background synchronization against a remote store,
// and a REST/WebSocket surface for clients.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/daybook/cmd/daybookd/handlers"
	"github.com/kimhsiao/daybook/internal/clock"
	"github.com/kimhsiao/daybook/internal/db"
	"github.com/kimhsiao/daybook/internal/export"
	"github.com/kimhsiao/daybook/internal/logging"
	"github.com/kimhsiao/daybook/internal/netmon"
	"github.com/kimhsiao/daybook/internal/ratelimit"
	syncengine "github.com/kimhsiao/daybook/internal/sync"
	"github.com/kimhsiao/daybook/internal/sync/queue"
	"github.com/kimhsiao/daybook/internal/sync/scheduler"
)

// Options holds the daemon configuration, settable by flag or environment.
type Options struct {
	Listen  string `long:"listen" env:"DAYBOOK_LISTEN" default:":8090" description:"HTTP listen address"`
	DataDir string `long:"data-dir" env:"DAYBOOK_DATA_DIR" default:"./data" description:"Directory for the local database"`

	RemoteURL   string `long:"remote-url" env:"DAYBOOK_REMOTE_URL" required:"true" description:"Base URL of the remote record store"`
	RemoteToken string `long:"remote-token" env:"DAYBOOK_REMOTE_TOKEN" description:"Bearer token for the remote record store"`

	ProbeURL      string        `long:"probe-url" env:"DAYBOOK_PROBE_URL" description:"URL probed for connectivity (defaults to the remote URL)"`
	ProbeInterval time.Duration `long:"probe-interval" env:"DAYBOOK_PROBE_INTERVAL" default:"15s" description:"Connectivity probe cadence"`

	SyncInterval time.Duration `long:"sync-interval" env:"DAYBOOK_SYNC_INTERVAL" default:"5m" description:"Background sync sweep cadence"`
	SyncDebounce time.Duration `long:"sync-debounce" env:"DAYBOOK_SYNC_DEBOUNCE" default:"2s" description:"Quiet window after a mutation before background sync runs"`
	SyncWorkers  int           `long:"sync-workers" env:"DAYBOOK_SYNC_WORKERS" default:"4" description:"Concurrent transfers per sync session"`

	LogLevel  string `long:"log-level" env:"DAYBOOK_LOG_LEVEL" default:"info" description:"Log level"`
	LogFormat string `long:"log-format" env:"DAYBOOK_LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Log format"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := logging.Init(opts.LogLevel, opts.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}

	if err := run(opts); err != nil {
		logrus.WithError(err).Fatal("daybookd exited with error")
	}
}

func run(opts Options) error {
	database, err := db.Open(opts.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database.DB); err != nil {
		return err
	}

	clk := clock.System()
	repo := db.NewRepository(database.DB, clk)
	defer repo.Close()

	q := queue.NewQueue(repo, clk, 0)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultLimits(), clk)

	probeURL := opts.ProbeURL
	if probeURL == "" {
		probeURL = opts.RemoteURL
	}
	monitor := netmon.NewMonitor(netmon.NewHTTPProber(probeURL, 0), opts.ProbeInterval, clk)

	hub := NewWSHub()
	transport := syncengine.NewHTTPTransport(opts.RemoteURL, opts.RemoteToken)
	engine := syncengine.NewEngine(repo, q, monitor, limiter, transport, clk, hub, syncengine.Config{
		Workers: opts.SyncWorkers,
	})
	bulkRunner := syncengine.NewBulkRunner(repo, q, monitor, limiter)
	exportService := export.NewService(repo, limiter, clk)

	sched := scheduler.New(engine, repo, opts.SyncInterval, opts.SyncDebounce)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	defer monitor.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	router := mux.NewRouter()
	recordHandler := handlers.NewRecordHandler(repo, q, sched)
	syncHandler := handlers.NewSyncHandler(repo, engine, q, monitor)
	bulkHandler := handlers.NewBulkHandler(bulkRunner)
	exportHandler := handlers.NewExportHandler(exportService)
	healthHandler := handlers.NewHealthHandler(database, monitor)

	router.HandleFunc("/records", recordHandler.Create).Methods(http.MethodPost)
	router.HandleFunc("/records", recordHandler.List).Methods(http.MethodGet)
	router.HandleFunc("/records/{id}", recordHandler.Get).Methods(http.MethodGet)
	router.HandleFunc("/records/{id}", recordHandler.Update).Methods(http.MethodPut)
	router.HandleFunc("/records/{id}", recordHandler.Delete).Methods(http.MethodDelete)

	router.HandleFunc("/sync", syncHandler.Trigger).Methods(http.MethodPost)
	router.HandleFunc("/sync", syncHandler.Status).Methods(http.MethodGet)
	router.HandleFunc("/sync", syncHandler.Purge).Methods(http.MethodDelete)

	router.HandleFunc("/bulk", bulkHandler.Apply).Methods(http.MethodPost)
	router.HandleFunc("/export", exportHandler.Create).Methods(http.MethodPost)
	router.HandleFunc("/healthz", healthHandler.Check).Methods(http.MethodGet)
	router.HandleFunc("/ws", hub.ServeWS)

	server := &http.Server{
		Addr:         opts.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", opts.Listen).Info("daybookd listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
