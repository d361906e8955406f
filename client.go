package tggl

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tggl-io/tggl-go-client/flagengine"
)

// Client fetches the flag configuration from the Tggl API and evaluates
// flags locally against a caller-supplied context. Evaluation never
// performs I/O; callers read an immutable snapshot maintained by
// background fetches.
type Client struct {
	apiKey   string
	config   config
	client   *resty.Client
	log      *slog.Logger
	clientID string

	ctx    context.Context
	cancel context.CancelFunc

	// configMu serializes snapshot publications; readers only do an
	// atomic load and never take it.
	configMu sync.Mutex
	flags    atomic.Pointer[map[string]*flagengine.Flag]

	// fetchedOnce flips after the first successful fetch; a storage
	// seeded snapshot never overwrites fetched data.
	fetchedOnce atomic.Bool

	ready   atomic.Bool
	readyCh chan struct{}

	errMu   sync.Mutex
	lastErr error

	refresher *refresher

	onReady        *listenerRegistry[struct{}]
	onConfigChange *listenerRegistry[[]string]
	onFetchOK      *listenerRegistry[struct{}]
	onError        *listenerRegistry[error]
	onFlagEval     *listenerRegistry[FlagEvalEvent]
}

func defaultConfig() config {
	return config{
		timeout:         DefaultTimeout,
		pollingInterval: DefaultPollingInterval,
		maxRetries:      DefaultMaxRetries,
		initialFetch:    true,
		ownsReporting:   true,
	}
}

// NewClient creates a Client and starts an initial configuration fetch
// in the background, unless WithoutInitialFetch was given. Use
// WaitReady to block until the first snapshot is published. Invalid
// option values (negative timeout, interval or retry count) panic.
func NewClient(apiKey string, options ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		apiKey:         apiKey,
		config:         defaultConfig(),
		ctx:            ctx,
		cancel:         cancel,
		readyCh:        make(chan struct{}),
		onReady:        newListenerRegistry[struct{}](),
		onConfigChange: newListenerRegistry[[]string](),
		onFetchOK:      newListenerRegistry[struct{}](),
		onError:        newListenerRegistry[error](),
		onFlagEval:     newListenerRegistry[FlagEvalEvent](),
	}
	empty := map[string]*flagengine.Flag{}
	c.flags.Store(&empty)

	for _, opt := range options {
		opt(c)
	}

	if c.config.logger == nil {
		c.config.logger = slog.Default()
	}
	c.log = c.config.logger
	if len(c.config.baseURLs) == 0 {
		c.config.baseURLs = []string{DefaultBaseURL}
	}
	c.clientID = clientIdentity("Client", c.config.appName)

	c.client = newAPIClient(c.apiKey, c.config.timeout, c.log)

	if c.config.ownsReporting {
		c.config.reporting = NewReporting(apiKey,
			WithReportingBaseURLs(c.config.baseURLs),
			WithReportingFlushInterval(DefaultFlushInterval),
			WithReportingTimeout(c.config.timeout),
			WithReportingLogger(c.log),
		)
	}

	c.refresher = newRefresher(ctx, c.fetchConfig)

	if len(c.config.storages) > 0 {
		go c.loadFromStorages(ctx)
	}
	if c.config.initialFetch {
		if c.config.pollingInterval > 0 {
			// Starting the poller also performs the initial fetch.
			c.refresher.setInterval(c.config.pollingInterval)
		} else {
			c.refresher.trigger()
		}
	}

	return c
}

// newAPIClient builds the resty client shared by all API calls.
func newAPIClient(apiKey string, timeout time.Duration, log *slog.Logger) *resty.Client {
	client := resty.New().
		SetTimeout(timeout).
		SetHeaders(map[string]string{
			"Accept":         "application/json",
			"Content-Type":   "application/json",
			"User-Agent":     getUserAgent(),
			"x-tggl-api-key": apiKey,
		}).
		SetLogger(restySlogLogger{logger: log})
	client.OnBeforeRequest(newRestyLogRequestMiddleware(log))
	client.OnAfterResponse(newRestyLogResponseMiddleware(log))
	return client
}

// Get evaluates a flag against the given context. Missing flags,
// inactive variations and values whose shape differs from the default
// all resolve to defaultValue; Get never returns an error and never
// blocks on I/O.
func (c *Client) Get(evalContext Context, slug string, defaultValue any) any {
	snapshot := *c.flags.Load()
	var value any
	if flag, ok := snapshot[slug]; ok {
		value = flagengine.EvalFlag(evalContext, flag)
	}
	if value == nil || !shapeMatches(value, defaultValue) {
		value = defaultValue
	}
	if r := c.config.reporting; r != nil {
		r.ReportFlag(c.clientID, slug, value, defaultValue)
		r.ReportContext(evalContext)
	}
	c.onFlagEval.emit(FlagEvalEvent{Slug: slug, Value: value, Default: defaultValue})
	return value
}

// GetAll evaluates every flag in the current snapshot and returns the
// ones that yield a value.
func (c *Client) GetAll(evalContext Context) map[string]any {
	snapshot := *c.flags.Load()
	result := make(map[string]any, len(snapshot))
	for slug, flag := range snapshot {
		if value := flagengine.EvalFlag(evalContext, flag); value != nil {
			result[slug] = value
		}
	}
	if r := c.config.reporting; r != nil {
		r.ReportContext(evalContext)
	}
	return result
}

// GetConfig returns a copy of the current snapshot.
func (c *Client) GetConfig() map[string]*flagengine.Flag {
	snapshot := *c.flags.Load()
	result := make(map[string]*flagengine.Flag, len(snapshot))
	for slug, flag := range snapshot {
		result[slug] = flag
	}
	return result
}

// SetConfig publishes a snapshot directly, bypassing the fetcher. The
// first publication, from any source, resolves the ready gate.
func (c *Client) SetConfig(config map[string]*flagengine.Flag) {
	c.publish(config, false)
}

func (c *Client) publish(config map[string]*flagengine.Flag, onlyIfUnfetched bool) {
	next := make(map[string]*flagengine.Flag, len(config))
	for slug, flag := range config {
		if flag == nil {
			continue
		}
		next[slug] = flag
	}

	c.configMu.Lock()
	if onlyIfUnfetched && c.fetchedOnce.Load() {
		c.configMu.Unlock()
		return
	}
	old := *c.flags.Load()
	changed := diffConfigs(old, next)
	c.flags.Store(&next)
	c.setLastError(nil)
	first := !c.ready.Load()
	if first {
		c.ready.Store(true)
		close(c.readyCh)
	}
	c.configMu.Unlock()

	if first {
		c.onReady.emit(struct{}{})
	}
	if len(changed) > 0 {
		c.onConfigChange.emit(changed)
		if len(c.config.storages) > 0 && !onlyIfUnfetched {
			go c.saveToStorages(next)
		}
	}
}

// diffConfigs returns the sorted slugs whose flag differs structurally
// between the two snapshots, including slugs present on only one side.
func diffConfigs(old, next map[string]*flagengine.Flag) []string {
	var changed []string
	for slug, flag := range next {
		previous, ok := old[slug]
		if !ok || !reflect.DeepEqual(previous, flag) {
			changed = append(changed, slug)
		}
	}
	for slug := range old {
		if _, ok := next[slug]; !ok {
			changed = append(changed, slug)
		}
	}
	sort.Strings(changed)
	return changed
}

// Refetch triggers a configuration refresh and waits for the covering
// fetch cycle to complete. If another fetch is already in flight the
// call attaches to it rather than issuing a second request.
func (c *Client) Refetch(ctx context.Context) error {
	done := c.refresher.trigger()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return c.LastError()
}

// StartPolling begins periodic refreshes at the configured polling
// interval. The first refresh happens immediately.
func (c *Client) StartPolling() {
	c.refresher.setInterval(c.config.pollingInterval)
}

// StopPolling cancels any pending poll tick. An in-flight fetch is not
// aborted but no further ticks are scheduled.
func (c *Client) StopPolling() {
	c.refresher.setInterval(0)
}

// SetPollingInterval changes the polling cadence at runtime. Setting a
// positive interval while polling is stopped starts it; zero stops it;
// changing one positive interval to another takes effect at the next
// tick. Negative intervals panic.
func (c *Client) SetPollingInterval(interval time.Duration) {
	if interval < 0 {
		panic("tggl: polling interval must not be negative")
	}
	c.refresher.setInterval(interval)
}

// IsReady reports whether a snapshot was ever published.
func (c *Client) IsReady() bool {
	return c.ready.Load()
}

// WaitReady blocks until the first snapshot is published or ctx is
// done.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readyCh:
		return nil
	}
}

// OnReady calls fn once the client is ready. If it already is, fn runs
// immediately on the calling goroutine. The returned func unregisters
// a pending callback.
func (c *Client) OnReady(fn func()) func() {
	var once sync.Once
	call := func() { once.Do(fn) }
	unsubscribe := c.onReady.add(func(struct{}) { call() })
	if c.IsReady() {
		call()
	}
	return unsubscribe
}

// OnConfigChange calls fn with the sorted slugs of every flag that
// changed in a publication. Identical re-publications emit nothing.
func (c *Client) OnConfigChange(fn func(changedSlugs []string)) func() {
	return c.onConfigChange.add(fn)
}

// OnFetchSuccessful calls fn after every successful fetch, including
// ones that produced no config change.
func (c *Client) OnFetchSuccessful(fn func()) func() {
	return c.onFetchOK.add(func(struct{}) { fn() })
}

// OnError calls fn whenever a fetch cycle exhausts all endpoints.
func (c *Client) OnError(fn func(err error)) func() {
	return c.onError.add(fn)
}

// OnFlagEval calls fn after every Get.
func (c *Client) OnFlagEval(fn func(event FlagEvalEvent)) func() {
	return c.onFlagEval.add(fn)
}

// LastError returns the most recent fetch failure, or nil. It is
// cleared by every successful publication.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Client) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// Reporting returns the usage reporter used by this client, or nil
// when reporting is disabled.
func (c *Client) Reporting() *Reporting {
	return c.config.reporting
}

// NewClientForContext evaluates every flag once against the given
// context and returns a StaticClient serving the frozen results.
func (c *Client) NewClientForContext(evalContext Context) *StaticClient {
	snapshot := *c.flags.Load()
	values := make(map[string]any, len(snapshot))
	for slug, flag := range snapshot {
		if value := flagengine.EvalFlag(evalContext, flag); value != nil {
			values[slug] = value
		}
	}
	if r := c.config.reporting; r != nil {
		r.ReportContext(evalContext)
	}
	return &StaticClient{
		flags:      values,
		clientID:   c.clientID,
		reporting:  c.config.reporting,
		onFlagEval: c.onFlagEval,
	}
}

// Close stops polling and background workers, flushes and closes an
// owned reporter, and closes all storages.
func (c *Client) Close() error {
	c.refresher.stop()
	c.cancel()
	if c.config.ownsReporting && c.config.reporting != nil {
		_ = c.config.reporting.Close()
	}
	for _, s := range c.config.storages {
		if err := s.Close(); err != nil {
			c.log.Debug("failed to close storage", "error", err)
		}
	}
	return nil
}

// loadFromStorages seeds the snapshot from the freshest stored state.
// It runs in the background and loses the race to the first fetch on
// purpose; fetched data always wins over cached data.
func (c *Client) loadFromStorages(ctx context.Context) {
	var best *clientState
	for _, s := range c.config.storages {
		data, err := s.Load(ctx)
		if err != nil {
			c.log.Debug("failed to load stored flag state", "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		var state clientState
		if err := json.Unmarshal(data, &state); err != nil {
			c.log.Debug("discarding unreadable stored flag state", "error", err)
			continue
		}
		if state.Type != clientStateType {
			continue
		}
		if best == nil || state.Date > best.Date {
			best = &state
		}
	}
	if best == nil || len(best.Config) == 0 {
		return
	}
	c.publish(best.Config, true)
}

func (c *Client) saveToStorages(config map[string]*flagengine.Flag) {
	data, err := json.Marshal(clientState{
		Type:   clientStateType,
		Date:   time.Now().UnixMilli(),
		Config: config,
	})
	if err != nil {
		return
	}
	for _, s := range c.config.storages {
		if err := s.Save(c.ctx, data); err != nil {
			c.log.Debug("failed to persist flag state", "error", err)
		}
	}
}
