package attendagent

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/httprunner/AttendAgent/internal/config"
	"github.com/httprunner/AttendAgent/internal/telemetry"
	"github.com/httprunner/AttendAgent/pkg/attendance"
	"github.com/httprunner/AttendAgent/pkg/device"
	"github.com/httprunner/AttendAgent/pkg/publish"
	"github.com/httprunner/AttendAgent/pkg/storage"
)

// Options configures an Orchestrator. Zero values select the production
// implementations.
type Options struct {
	Logger     zerolog.Logger
	ConfigPath string

	LoadConfig      func(path string) (*config.Config, error)
	NewDeviceClient func(cfg *config.Config, logger zerolog.Logger) (DeviceClient, error)
	NewRecordStore  func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (RecordStore, error)

	// Recorder receives device snapshots after each pass. When nil the
	// record store is used if it implements DeviceRecorder.
	Recorder  DeviceRecorder
	Metrics   *telemetry.Metrics
	Callbacks Callbacks
	Clock     func() time.Time
	HostID    string
}

// Orchestrator runs sync passes over the configured terminals. Business
// logic runs on one goroutine; RequestShutdown, Status and DisconnectAll
// may be called from others.
type Orchestrator struct {
	logger     zerolog.Logger
	configPath string
	loadConfig func(string) (*config.Config, error)
	newClient  func(*config.Config, zerolog.Logger) (DeviceClient, error)
	newStore   func(context.Context, *config.Config, zerolog.Logger) (RecordStore, error)
	metrics    *telemetry.Metrics
	callbacks  Callbacks
	now        func() time.Time
	hostID     string

	shutdown     chan struct{}
	shutdownOnce sync.Once

	mu       sync.RWMutex
	state    State
	cfg      *config.Config
	client   DeviceClient
	store    RecordStore
	recorder DeviceRecorder
	counters map[string]*DeviceCounters
	lastPass *PassSummary
}

// NewOrchestrator builds an uninitialized orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.Load
	}
	if opts.NewDeviceClient == nil {
		opts.NewDeviceClient = defaultDeviceClient
	}
	if opts.NewRecordStore == nil {
		opts.NewRecordStore = defaultRecordStore
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.HostID == "" {
		opts.HostID = HostID()
	}
	return &Orchestrator{
		logger:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		configPath: config.ResolvePath(opts.ConfigPath),
		loadConfig: opts.LoadConfig,
		newClient:  opts.NewDeviceClient,
		newStore:   opts.NewRecordStore,
		metrics:    opts.Metrics,
		callbacks:  opts.Callbacks,
		now:        opts.Clock,
		hostID:     opts.HostID,
		shutdown:   make(chan struct{}),
		state:      StateUninitialized,
		recorder:   opts.Recorder,
		counters:   make(map[string]*DeviceCounters),
	}, nil
}

func defaultDeviceClient(cfg *config.Config, logger zerolog.Logger) (DeviceClient, error) {
	return device.NewClient(device.Options{
		Logger:     logger,
		Timeout:    cfg.Settings.ConnectTimeout(),
		MaxRetries: cfg.Settings.MaxRetries,
	}), nil
}

func defaultRecordStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (RecordStore, error) {
	st, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	return publish.Wrap(st, cfg.Publish, logger), nil
}

// Initialize loads the configuration and opens the device client and
// record store. Every error it returns is a *ConfigurationError.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.RLock()
	state := o.state
	o.mu.RUnlock()
	if state != StateUninitialized {
		return &ConfigurationError{Path: o.configPath, Err: errors.Errorf("orchestrator already %s", state)}
	}

	cfg, err := o.loadConfig(o.configPath)
	if err != nil {
		return &ConfigurationError{Path: o.configPath, Err: err}
	}
	client, err := o.newClient(cfg, o.logger)
	if err != nil {
		return &ConfigurationError{Path: o.configPath, Err: errors.Wrap(err, "create device client")}
	}
	store, err := o.newStore(ctx, cfg, o.logger)
	if err != nil {
		return &ConfigurationError{Path: o.configPath, Err: errors.Wrap(err, "open record store")}
	}

	o.mu.Lock()
	o.cfg = cfg
	o.client = client
	o.store = store
	if o.recorder == nil {
		if rec, ok := store.(DeviceRecorder); ok {
			o.recorder = rec
		} else {
			o.recorder = noopRecorder{}
		}
	}
	if o.state == StateUninitialized {
		o.state = StateInitialized
	}
	o.mu.Unlock()

	sum := cfg.Summary()
	o.logger.Info().
		Str("config", o.configPath).
		Str("host_id", o.hostID).
		Int("devices", sum.TotalDevices).
		Int("enabled", sum.EnabledDevices).
		Strs("device_names", sum.DeviceNames).
		Int("sync_interval_seconds", sum.SyncIntervalSeconds).
		Int("retention_days", sum.RetentionDays).
		Str("storage", sum.StorageDriver).
		Msg("orchestrator initialized")
	return nil
}

// RequestShutdown asks the current and future passes to stop. It is
// idempotent, safe from any goroutine and performs no I/O.
func (o *Orchestrator) RequestShutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdown) })
	o.mu.Lock()
	if o.state != StateStopped {
		o.state = StateShutdownRequested
	}
	o.mu.Unlock()
}

// ShutdownRequested reports whether RequestShutdown was called.
func (o *Orchestrator) ShutdownRequested() bool {
	select {
	case <-o.shutdown:
		return true
	default:
		return false
	}
}

// ShutdownSignal is closed by the first RequestShutdown.
func (o *Orchestrator) ShutdownSignal() <-chan struct{} { return o.shutdown }

// SyncAll runs one pass over the enabled devices and reports whether at
// least one device synced successfully.
func (o *Orchestrator) SyncAll(ctx context.Context) bool {
	summary := o.Pass(ctx)
	return summary.Succeeded > 0
}

// Pass runs one sync pass and returns its summary. Device failures are
// recorded in the summary, never returned.
func (o *Orchestrator) Pass(ctx context.Context) PassSummary {
	summary := PassSummary{PassID: uuid.NewString(), StartedAt: o.now()}
	if o.ShutdownRequested() {
		o.logger.Warn().Msg("shutdown requested, sync pass skipped")
		summary.Cancelled = true
		return summary
	}

	o.mu.Lock()
	cfg, client, store, recorder := o.cfg, o.client, o.store, o.recorder
	if cfg != nil && o.state == StateInitialized {
		o.state = StateRunning
	}
	o.mu.Unlock()
	if cfg == nil || client == nil || store == nil {
		o.logger.Error().Msg("sync pass requested before initialization")
		return summary
	}

	passCtx, cancel := o.passContext(ctx)
	defer cancel()

	devices := cfg.EnabledDevices()
	delay := cfg.Settings.InterDeviceDelay()
	logger := o.logger.With().Str("pass_id", summary.PassID).Logger()
	logger.Info().Int("devices", len(devices)).Msg("sync pass started")
	o.callbacks.passStarted(summary.PassID, devices)

	for i, d := range devices {
		if o.checkpoint(passCtx) != nil {
			summary.Cancelled = true
			logger.Info().Str("next_device", d.DeviceID).Msg("shutdown requested, stopping before next device")
			break
		}
		outcome := o.syncDevice(passCtx, client, store, d, logger)
		summary.add(outcome)
		o.recordOutcome(outcome)
		o.callbacks.deviceResult(outcome)
		if outcome.Cancelled() {
			summary.Cancelled = true
			break
		}
		if i < len(devices)-1 {
			if err := o.pause(passCtx, delay); err != nil {
				summary.Cancelled = true
				logger.Info().Msg("shutdown requested during inter-device delay")
				break
			}
		}
	}

	if !summary.Cancelled && o.checkpoint(passCtx) != nil {
		summary.Cancelled = true
	}
	if summary.Cancelled {
		logger.Info().Msg("pass interrupted, retention cleanup skipped")
	} else {
		o.cleanup(ctx, store, cfg.Settings.RetentionDays, &summary, logger)
	}

	summary.Duration = o.now().Sub(summary.StartedAt)
	o.finishPass(ctx, recorder, client, summary, logger)
	return summary
}

// passContext derives a context cancelled by RequestShutdown so blocking
// device I/O is interrupted.
func (o *Orchestrator) passContext(ctx context.Context) (context.Context, context.CancelFunc) {
	passCtx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-o.shutdown:
			cancel(ErrShutdownRequested)
		case <-passCtx.Done():
		}
	}()
	return passCtx, func() { cancel(nil) }
}

func (o *Orchestrator) checkpoint(ctx context.Context) error {
	select {
	case <-o.shutdown:
		return ErrShutdownRequested
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// pause sleeps for d unless the pass is interrupted first.
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return o.checkpoint(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-o.shutdown:
		return ErrShutdownRequested
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// syncDevice processes one device. The device is always disconnected
// before it returns, on every path.
func (o *Orchestrator) syncDevice(ctx context.Context, client DeviceClient, store RecordStore, d attendance.Device, passLogger zerolog.Logger) (out SyncOutcome) {
	logger := passLogger.With().Str("device_id", d.DeviceID).Str("device", d.Name).Logger()
	start := o.now()
	out = SyncOutcome{DeviceID: d.DeviceID, DeviceName: d.Name}

	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic: %v", r)
			logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg("device sync panicked")
			out.Success = false
			out.NewRecords = 0
			out.Error = err.Error()
			out.Kind = KindUnclassified
		}
		client.Disconnect(d.DeviceID)
		out.Duration = o.now().Sub(start)
	}()

	fetched, saved, err := o.syncDeviceSteps(ctx, client, store, d, logger)
	out.Fetched = fetched
	if err != nil {
		out.Kind = classify(err, o.ShutdownRequested())
		out.Error = err.Error()
		if out.Kind == KindCancellation {
			logger.Info().Err(err).Msg("device sync interrupted by shutdown")
		} else {
			logger.Error().Err(err).Str("kind", string(out.Kind)).Msg("device sync failed")
		}
		return out
	}
	out.Success = true
	out.NewRecords = saved
	logger.Info().Int("fetched", fetched).Int("new_records", saved).Msg("device synced")
	return out
}

func (o *Orchestrator) syncDeviceSteps(ctx context.Context, client DeviceClient, store RecordStore, d attendance.Device, logger zerolog.Logger) (fetched, saved int, err error) {
	cursor, err := store.LastSyncCursor(ctx, d.DeviceID)
	if err != nil {
		return 0, 0, &PersistenceError{Op: "read cursor", Err: err}
	}
	if cursor.IsZero() {
		logger.Info().Msg("no cursor, fetching full history")
	} else {
		logger.Debug().Time("cursor", cursor).Msg("fetching events newer than cursor")
	}

	if ok, msg := client.TestConnection(ctx, d); !ok {
		if cerr := o.checkpoint(ctx); cerr != nil {
			return 0, 0, errors.WithMessage(cerr, msg)
		}
		return 0, 0, &ConnectionError{DeviceID: d.DeviceID, Err: errors.New(msg)}
	}
	if err := o.checkpoint(ctx); err != nil {
		return 0, 0, err
	}

	events, err := client.FetchEvents(ctx, d, cursor)
	if err != nil {
		return 0, 0, &ConnectionError{DeviceID: d.DeviceID, Err: stepError("fetch events", err)}
	}
	events = newerThan(events, cursor)
	if err := o.checkpoint(ctx); err != nil {
		return len(events), 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	n, err := store.SaveRecords(ctx, events, d.DeviceID)
	if err != nil {
		return len(events), 0, &PersistenceError{Op: "save records", Err: err}
	}
	return len(events), n, nil
}

// newerThan drops events at or before cursor; a zero cursor keeps all.
func newerThan(events []attendance.Event, cursor time.Time) []attendance.Event {
	if cursor.IsZero() {
		return events
	}
	out := events[:0:0]
	for _, e := range events {
		if e.Timestamp.After(cursor) {
			out = append(out, e)
		}
	}
	return out
}

func (o *Orchestrator) cleanup(ctx context.Context, store RecordStore, days int, summary *PassSummary, logger zerolog.Logger) {
	summary.CleanupRan = true
	removed, err := store.CleanupOlderThan(ctx, days)
	if err != nil {
		perr := &PersistenceError{Op: "cleanup", Err: err}
		logger.Error().Err(perr).Int("retention_days", days).Msg("retention cleanup failed")
		return
	}
	summary.CleanupRemoved = removed
	if removed > 0 {
		logger.Info().Int64("removed", removed).Int("retention_days", days).Msg("retention cleanup finished")
	}
}

func (o *Orchestrator) recordOutcome(out SyncOutcome) {
	if out.Cancelled() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.counters[out.DeviceID]
	if c == nil {
		c = &DeviceCounters{DeviceID: out.DeviceID, DeviceName: out.DeviceName}
		o.counters[out.DeviceID] = c
	}
	c.Syncs++
	c.LastOutcome = out
	if out.Success {
		c.TotalNew += out.NewRecords
		c.LastSuccessAt = o.now()
	} else {
		c.Failures++
	}
}

func (o *Orchestrator) finishPass(ctx context.Context, recorder DeviceRecorder, client DeviceClient, summary PassSummary, logger zerolog.Logger) {
	o.mu.Lock()
	last := summary
	o.lastPass = &last
	o.mu.Unlock()

	failures := summary.Failures()
	errs := make([]string, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, fmt.Sprintf("%s: %s", f.DeviceID, f.Error))
	}
	ev := logger.Info()
	if summary.Failed > 0 {
		ev = logger.Warn()
	}
	ev.Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("new_records", summary.TotalNew).
		Dur("duration", summary.Duration).
		Bool("cancelled", summary.Cancelled).
		Strs("failures", errs).
		Msg("sync pass finished")

	for _, out := range summary.Outcomes {
		if !out.Cancelled() {
			o.metrics.ObserveDevice(out.DeviceID, out.Success, out.NewRecords)
		}
	}
	o.metrics.ObservePass(summary.Duration, summary.CleanupRemoved)
	if o.metrics != nil {
		o.metrics.SetOpenConnections(client.OpenConnections())
	}

	if statuses := o.deviceStatuses(summary); len(statuses) > 0 && recorder != nil {
		if err := recorder.RecordDeviceStatus(context.WithoutCancel(ctx), statuses); err != nil {
			logger.Warn().Err(err).Msg("record device status failed")
		}
	}
	o.callbacks.passFinished(summary)
}

func (o *Orchestrator) deviceStatuses(summary PassSummary) []attendance.DeviceStatus {
	at := summary.StartedAt.Add(summary.Duration)
	out := make([]attendance.DeviceStatus, 0, len(summary.Outcomes))
	for _, oc := range summary.Outcomes {
		if oc.Cancelled() {
			continue
		}
		st := attendance.DeviceStatus{
			DeviceID:   oc.DeviceID,
			DeviceName: oc.DeviceName,
			LastResult: "success",
			NewRecords: oc.NewRecords,
			LastSyncAt: at,
			HostID:     o.hostID,
		}
		if oc.Success {
			st.LastSuccessAt = at
		} else {
			st.LastResult = "failure"
			st.LastError = oc.Error
		}
		out = append(out, st)
	}
	return out
}

// TestConnections runs TestConnection against every enabled device and
// returns how many passed.
func (o *Orchestrator) TestConnections(ctx context.Context) (int, []ConnectionResult) {
	o.mu.RLock()
	cfg, client := o.cfg, o.client
	o.mu.RUnlock()
	if cfg == nil || client == nil {
		return 0, nil
	}
	var (
		passed  int
		results []ConnectionResult
	)
	for _, d := range cfg.EnabledDevices() {
		if o.checkpoint(ctx) != nil {
			break
		}
		start := o.now()
		ok, msg := client.TestConnection(ctx, d)
		client.Disconnect(d.DeviceID)
		results = append(results, ConnectionResult{
			DeviceID: d.DeviceID,
			Name:     d.Name,
			Address:  d.Address(),
			Success:  ok,
			Message:  msg,
			Duration: o.now().Sub(start),
		})
		ev := o.logger.Info()
		if ok {
			passed++
		} else {
			ev = o.logger.Warn()
		}
		ev.Str("device_id", d.DeviceID).Str("address", d.Address()).Msg(msg)
	}
	return passed, results
}

// DailyMaintenance reloads the configuration, keeping the current one when
// the reload fails, and logs store statistics.
func (o *Orchestrator) DailyMaintenance(ctx context.Context) error {
	var errs []error
	cfg, err := o.loadConfig(o.configPath)
	if err != nil {
		o.logger.Warn().Err(err).Str("config", o.configPath).Msg("configuration reload failed, keeping current configuration")
		errs = append(errs, &ConfigurationError{Path: o.configPath, Err: err})
	} else {
		o.mu.Lock()
		o.cfg = cfg
		o.mu.Unlock()
		sum := cfg.Summary()
		o.logger.Info().Int("enabled", sum.EnabledDevices).Strs("device_names", sum.DeviceNames).Msg("configuration reloaded")
	}

	o.mu.RLock()
	store := o.store
	o.mu.RUnlock()
	if store == nil {
		return stderrors.Join(append(errs, errors.New("record store not initialized"))...)
	}
	stats, err := store.Statistics(ctx)
	if err != nil {
		errs = append(errs, &PersistenceError{Op: "statistics", Err: err})
		return stderrors.Join(errs...)
	}
	ev := o.logger.Info().Int64("total_records", stats.TotalRecords).Int("devices", len(stats.Devices))
	if !stats.OldestRecord.IsZero() {
		ev = ev.Time("oldest", stats.OldestRecord).Time("newest", stats.NewestRecord)
	}
	ev.Msg("daily statistics")
	for _, ds := range stats.Devices {
		o.logger.Info().Str("device_id", ds.DeviceID).Int64("records", ds.RecordCount).Time("last_record", ds.LastRecordAt).Msg("device statistics")
	}
	return stderrors.Join(errs...)
}

// DisconnectAll closes every open device session. Safe from any goroutine.
func (o *Orchestrator) DisconnectAll() {
	o.mu.RLock()
	client := o.client
	o.mu.RUnlock()
	if client != nil {
		client.DisconnectAll()
	}
}

// OpenConnections reports live device sessions.
func (o *Orchestrator) OpenConnections() int {
	o.mu.RLock()
	client := o.client
	o.mu.RUnlock()
	if client == nil {
		return 0
	}
	return client.OpenConnections()
}

// Status reports the lifecycle state and per-device counters.
func (o *Orchestrator) Status() SystemStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := SystemStatus{
		Running:    o.state == StateRunning,
		State:      o.state,
		HostID:     o.hostID,
		ConfigPath: o.configPath,
		CheckedAt:  o.now(),
	}
	if o.cfg != nil {
		st.Config = o.cfg.Summary()
		for _, d := range o.cfg.Devices {
			c := DeviceCounters{DeviceID: d.DeviceID, DeviceName: d.Name}
			if known := o.counters[d.DeviceID]; known != nil {
				c = *known
			}
			c.Enabled = d.Enabled
			st.Devices = append(st.Devices, c)
		}
	}
	if o.lastPass != nil {
		last := *o.lastPass
		st.LastPass = &last
	}
	if o.client != nil {
		st.OpenConns = o.client.OpenConnections()
	}
	return st
}

// DeviceHistory returns the persisted device outcomes, including those
// written by other processes.
func (o *Orchestrator) DeviceHistory(ctx context.Context) ([]attendance.DeviceStatus, error) {
	o.mu.RLock()
	store := o.store
	o.mu.RUnlock()
	reader, ok := store.(DeviceStatusReader)
	if !ok {
		return nil, nil
	}
	statuses, err := reader.DeviceStatuses(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "device statuses", Err: err}
	}
	return statuses, nil
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Config returns the active configuration, nil before Initialize.
func (o *Orchestrator) Config() *config.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Client returns the device client, nil before Initialize.
func (o *Orchestrator) Client() DeviceClient {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client
}

// Store returns the record store, nil before Initialize.
func (o *Orchestrator) Store() RecordStore {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.store
}

// HostID identifies this host in recorded device statuses.
func (o *Orchestrator) HostID() string { return o.hostID }

// Close disconnects every device and closes the store. The orchestrator is
// Stopped afterwards.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	client, store := o.client, o.store
	o.store = nil
	o.state = StateStopped
	o.mu.Unlock()

	if client != nil {
		client.DisconnectAll()
	}
	if store != nil {
		return errors.Wrap(store.Close(), "close record store")
	}
	return nil
}
