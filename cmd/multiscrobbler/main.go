// Command multiscrobbler is the long-running daemon: it loads the
// config file, builds every enabled Source and Client, wires them
// together through the Supervisor and event bus, mounts the inbound
// HTTP surface (spec §6), and runs until a signal asks it to stop.
//
// This is deliberately a thin composition root. It wires the adapter-ish
// packages (ingress, notify, monitor, store, creds) to the core (source,
// client, supervisor). The supervisor imports source and client and
// connects them through the bus; source and client never import each
// other, the same "nobody holds a reference to anybody else, only to the
// bus" shape as the core pipeline itself (spec §9). The client package
// registers the lastfmclient and listenbrainzclient constructors itself
// (client.RegisterDefaults).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/client"
	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/config"
	"github.com/multiscrobbler/multiscrobbler/internal/creds"
	"github.com/multiscrobbler/multiscrobbler/internal/ingress"
	"github.com/multiscrobbler/multiscrobbler/internal/lastfmclient"
	"github.com/multiscrobbler/multiscrobbler/internal/monitor"
	"github.com/multiscrobbler/multiscrobbler/internal/notify"
	"github.com/multiscrobbler/multiscrobbler/internal/source"
	"github.com/multiscrobbler/multiscrobbler/internal/store"
	"github.com/multiscrobbler/multiscrobbler/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("multiscrobbler: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadDotEnv()
	dir := config.Dir()

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.Open(filepath.Join(dir, "multiscrobbler.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	credsStore, err := creds.New(dir)
	if err != nil {
		return fmt.Errorf("open creds store: %w", err)
	}

	notifier, err := buildNotifier()
	if err != nil {
		logger.Warn("notify: falling back to no-op notifier", "error", err)
	}

	b := bus.New(256, logger)
	sv := supervisor.New(b, logger)
	router := ingress.NewRouter(logger)

	sourceReg := source.NewRegistry()
	source.RegisterDefaults(sourceReg)
	clientReg := client.NewRegistry()
	client.RegisterDefaults(clientReg)

	sourceDeps := source.Deps{Bus: b, Clock: clock.System, Logger: logger}
	clientDeps := client.Deps{Bus: b, Clock: clock.System, Logger: logger, Persist: st}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, comp := range cfg.Sources {
		if !comp.Enabled() {
			continue
		}
		if err := buildSource(ctx, comp, sourceReg, sourceDeps, sv, router, st, logger); err != nil {
			logger.Error("startup: source build failed", "name", comp.Name, "type", comp.Type, "error", err)
		}
	}

	for _, comp := range cfg.Clients {
		if !comp.Enabled() {
			continue
		}
		if err := buildClient(comp, clientReg, clientDeps, credsStore, sv, router, st, logger); err != nil {
			logger.Error("startup: client build failed", "name", comp.Name, "type", comp.Type, "error", err)
		}
	}

	sv.InitializeAll(ctx)
	logPendingAuth(sv, logger, notifier)
	sv.Start(ctx)
	sv.StartAll(ctx)

	watcher, err := config.WatchDir(dir, func(reloaded *config.Config) {
		logger.Info("config: reloaded", "sources", len(reloaded.Sources), "clients", len(reloaded.Clients))
	}, func(err error) {
		logger.Warn("config: reload failed", "error", err)
	})
	if err != nil {
		logger.Warn("config: hot-reload watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	persistStop := make(chan struct{})
	go runPersistLoop(sv, st, logger, persistStop)

	monitorStop := make(chan struct{})
	monitorSrv := monitor.NewServer(monitorSocketPath(dir), 2*time.Second, func() []monitor.Status {
		return toMonitorStatus(sv.Snapshot())
	}, logger)
	go func() {
		if err := monitorSrv.ListenAndServe(monitorStop); err != nil {
			logger.Warn("monitor: server stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.Engine(),
	}
	go func() {
		logger.Info("http: listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http: serve failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("multiscrobbler: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	close(monitorStop)
	close(persistStop)
	sv.StopAll()
	sv.Stop()
	persistSnapshots(sv, st, logger)

	return nil
}

// persistSnapshotInterval is the runPersistLoop cadence, balancing write
// volume against how much discovery/recent-scrobble history a crash
// between ticks loses. The save on shutdown runs once regardless of it.
const persistSnapshotInterval = 5 * time.Minute

// runPersistLoop periodically mirrors every source's discovery ring and
// every client's recent-scrobbles cache into st, so a restart resumes
// dedup state instead of re-discovering (and potentially re-scrobbling
// near-duplicates of) everything already seen this run.
func runPersistLoop(sv *supervisor.Supervisor, st *store.Store, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(persistSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			persistSnapshots(sv, st, logger)
		}
	}
}

func persistSnapshots(sv *supervisor.Supervisor, st *store.Store, logger *slog.Logger) {
	for name, s := range sv.Sources() {
		if err := st.SaveRingSnapshot(name, s.Recent()); err != nil {
			logger.Warn("store: save ring snapshot failed", "source", name, "error", err)
		}
	}
	for name, c := range sv.Clients() {
		if err := st.SaveRecentScrobbles(name, c.RecentScrobbles()); err != nil {
			logger.Warn("store: save recent scrobbles failed", "client", name, "error", err)
		}
	}
}

// newLogger builds the slog.Logger per SPEC_FULL.md's ambient logging
// stack: JSON inside a container, human-readable text on an interactive
// terminal outside one.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch {
	case config.IsDocker():
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case isTTY(os.Stdout):
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// buildNotifier assembles the Notifier backends SPEC_FULL.md names: the
// desktop D-Bus backend (or its non-Linux no-op twin) always runs, and a
// webhook backend joins it when NOTIFY_WEBHOOK_URL is set, for headless
// deployments without a desktop session.
func buildNotifier() (notify.Notifier, error) {
	desktop, err := notify.New()
	if err != nil {
		return desktop, err
	}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		return notify.Multi{desktop, notify.NewWebhook(url, 10*time.Second)}, nil
	}
	return desktop, nil
}

// monitorSocketPath is where cmd/msctl dials in to stream Supervisor
// snapshots (internal/monitor).
func monitorSocketPath(dir string) string {
	return filepath.Join(dir, "multiscrobbler.sock")
}

func toMonitorStatus(in []supervisor.Status) []monitor.Status {
	out := make([]monitor.Status, 0, len(in))
	for _, s := range in {
		out = append(out, monitor.Status{
			Name:       s.Name,
			Kind:       s.Kind,
			State:      s.State,
			Authed:     s.Authed,
			Discovered: s.Discovered,
			QueueLen:   s.QueueLen,
			DeadLetter: s.DeadLetter,
		})
	}
	return out
}

// logPendingAuth surfaces any client left un-Authed after InitializeAll
// because doAuthenticate requires an interactive redirect (spec §4.5),
// both to the daemon log and, if a Notifier is wired, as a notification
// (an operator running headless won't be watching the log).
func logPendingAuth(sv *supervisor.Supervisor, logger *slog.Logger, notifier notify.Notifier) {
	for name, c := range sv.Clients() {
		if c.Authed() {
			continue
		}
		url := c.PendingAuthURL()
		if url == "" {
			continue
		}
		logger.Warn("client requires interactive authentication", "client", name, "url", url)
		if notifier != nil {
			_, _ = notifier.Notify(notify.Notification{
				Title:   "multi-scrobbler: authentication required",
				Body:    fmt.Sprintf("%s needs authentication: %s", name, url),
				Urgency: notify.UrgencyNormal,
			})
		}
	}
}

// mergedRaw flattens a config.Component's Data and Options into the
// single map the source/client builder functions expect (they read
// both plain fields like "apiKey" and DSL blocks like "playTransform"
// off the same map, not knowing which config section they came from).
func mergedRaw(comp config.Component) map[string]any {
	out := make(map[string]any, len(comp.Data)+len(comp.Options))
	for k, v := range comp.Data {
		out[k] = v
	}
	for k, v := range comp.Options {
		out[k] = v
	}
	return out
}

func buildSource(ctx context.Context, comp config.Component, reg *source.Registry, deps source.Deps, sv *supervisor.Supervisor, router *ingress.Router, st *store.Store, logger *slog.Logger) error {
	raw := mergedRaw(comp)
	scfg := source.DefaultConfig(comp.Name)
	applySourceOverrides(&scfg, comp.Options)

	s, err := reg.Build(comp.Type, scfg, raw, deps)
	if err != nil {
		return err
	}

	if snapshot, err := st.LoadRingSnapshot(comp.Name); err != nil {
		logger.Warn("store: load ring snapshot failed", "source", comp.Name, "error", err)
	} else if len(snapshot) > 0 {
		s.SeedRing(snapshot)
	}

	sv.AddSource(comp.Name, s)

	for _, kind := range source.PushKinds {
		if comp.Type != kind {
			continue
		}
		slug, _ := comp.Data["slug"].(string)
		router.RegisterSource(kind, slug, s)

		if trackProgress, _ := comp.Options["trackProgress"].(bool); trackProgress {
			mcfg := source.DefaultMemoryConfig()
			mem := source.NewMemory(s, mcfg, deps.Clock)
			mem.StartEvictionLoop(ctx)
			router.RegisterProgress(kind, slug, mem)
		}
	}
	return nil
}

func buildClient(comp config.Component, reg *client.Registry, deps client.Deps, credsStore *creds.Store, sv *supervisor.Supervisor, router *ingress.Router, st *store.Store, logger *slog.Logger) error {
	raw := mergedRaw(comp)

	if comp.Type == "lastfm" {
		var saved struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := credsStore.Load(comp.Name, &saved); err == nil && saved.SessionKey != "" {
			raw["sessionKey"] = saved.SessionKey
		}
	}

	ccfg := client.DefaultConfig(comp.Name)
	applyClientOverrides(&ccfg, comp.Options)

	c, err := reg.Build(comp.Type, ccfg, raw, deps)
	if err != nil {
		return err
	}

	if err := c.LoadDeadLetters(); err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}

	if cached, fetchedAt, err := st.LoadRecentScrobbles(comp.Name); err != nil {
		logger.Warn("store: load recent scrobbles failed", "client", comp.Name, "error", err)
	} else if len(cached) > 0 {
		c.SeedRecent(cached, fetchedAt)
	}

	sv.AddClient(comp.Name, c)
	router.RegisterCallback(comp.Type, confirmerFor(comp, c, credsStore))
	return nil
}

// confirmerFor wraps c's ConfirmAuth with a post-success hook that
// persists whatever adapter-specific credential state resulted, so a
// restart doesn't force the user through the interactive handshake
// again. Only lastfm currently has anything worth persisting beyond
// what ConfirmAuth itself already wrote to the adapter's in-memory
// state; other adapter kinds fall back to the bare Client.
func confirmerFor(comp config.Component, c *client.Client, credsStore *creds.Store) ingress.Confirmer {
	lf, ok := c.Adapter().(*lastfmclient.Client)
	if !ok {
		return c
	}
	return lastfmConfirmer{client: c, lastfm: lf, store: credsStore, name: comp.Name}
}

type lastfmConfirmer struct {
	client *client.Client
	lastfm *lastfmclient.Client
	store  *creds.Store
	name   string
}

func (l lastfmConfirmer) ConfirmAuth(ctx context.Context) error {
	if err := l.client.ConfirmAuth(ctx); err != nil {
		return err
	}
	return l.store.Save(l.name, struct {
		SessionKey string `json:"sessionKey"`
		Username   string `json:"username"`
	}{SessionKey: l.lastfm.SessionKey(), Username: l.lastfm.Username()})
}

func applySourceOverrides(cfg *source.Config, opts map[string]any) {
	if v, ok := intOpt(opts, "ringSize"); ok {
		cfg.RingSize = v
	}
	if v, ok := durationOpt(opts, "pollIntervalSeconds"); ok {
		cfg.PollInterval = v
	}
	if v, ok := durationOpt(opts, "backoffBaseSeconds"); ok {
		cfg.BackoffBase = v
	}
	if v, ok := durationOpt(opts, "backoffMaxDelaySeconds"); ok {
		cfg.BackoffMaxDelay = v
	}
	if v, ok := intOpt(opts, "maxPollRetries"); ok {
		cfg.MaxPollRetries = v
	}
	if v, ok := intOpt(opts, "historyStabilityTicks"); ok {
		cfg.HistoryStabilityTicks = v
	}
}

func applyClientOverrides(cfg *client.Config, opts map[string]any) {
	if v, ok := intOpt(opts, "scrobbledRingSize"); ok {
		cfg.ScrobbledRingSize = v
	}
	if v, ok := intOpt(opts, "recentScrobblesCap"); ok {
		cfg.RecentScrobblesCap = v
	}
	if v, ok := durationOpt(opts, "scrobbleDelaySeconds"); ok {
		cfg.ScrobbleDelay = v
	}
	if v, ok := durationOpt(opts, "deadLetterIntervalSeconds"); ok {
		cfg.DeadLetterInterval = v
	}
	if v, ok := intOpt(opts, "deadLetterRetries"); ok {
		cfg.DeadLetterRetries = v
	}
	if b, ok := opts["checkExistingScrobbles"].(bool); ok {
		cfg.CheckExistingScrobbles = b
	}
}

func intOpt(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func durationOpt(m map[string]any, key string) (time.Duration, bool) {
	v, ok := intOpt(m, key)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}
