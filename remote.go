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
)

// RemoteClient asks the API to evaluate flags server-side for a single
// context and caches the resulting slug to value map. Changing the
// context refetches; rapid successive changes resolve last-writer-wins
// through the fetch version counter.
type RemoteClient struct {
	apiKey   string
	config   config
	client   *resty.Client
	log      *slog.Logger
	clientID string

	ctx    context.Context
	cancel context.CancelFunc

	contextMu   sync.Mutex
	evalContext Context

	configMu sync.Mutex
	flags    atomic.Pointer[map[string]any]

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

// buildConfig applies client options to a throwaway Client to collect
// the resulting configuration, so RemoteClient shares the same option
// surface.
func buildConfig(options []Option) config {
	c := &Client{config: defaultConfig()}
	for _, opt := range options {
		opt(c)
	}
	return c.config
}

// NewRemoteClient creates a RemoteClient evaluating flags for the
// given context and starts an initial fetch in the background, unless
// WithoutInitialFetch was given.
func NewRemoteClient(apiKey string, evalContext Context, options ...Option) *RemoteClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &RemoteClient{
		apiKey:         apiKey,
		config:         buildConfig(options),
		ctx:            ctx,
		cancel:         cancel,
		evalContext:    evalContext,
		readyCh:        make(chan struct{}),
		onReady:        newListenerRegistry[struct{}](),
		onConfigChange: newListenerRegistry[[]string](),
		onFetchOK:      newListenerRegistry[struct{}](),
		onError:        newListenerRegistry[error](),
		onFlagEval:     newListenerRegistry[FlagEvalEvent](),
	}
	empty := map[string]any{}
	c.flags.Store(&empty)

	if c.config.logger == nil {
		c.config.logger = slog.Default()
	}
	c.log = c.config.logger
	if len(c.config.baseURLs) == 0 {
		c.config.baseURLs = []string{DefaultBaseURL}
	}
	c.clientID = clientIdentity("RemoteClient", c.config.appName)

	c.client = newAPIClient(c.apiKey, c.config.timeout, c.log)

	if c.config.ownsReporting {
		c.config.reporting = NewReporting(apiKey,
			WithReportingBaseURLs(c.config.baseURLs),
			WithReportingFlushInterval(DefaultFlushInterval),
			WithReportingTimeout(c.config.timeout),
			WithReportingLogger(c.log),
		)
	}

	c.refresher = newRefresher(ctx, c.fetchFlags)

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

// SetContext replaces the evaluation context and refetches. When calls
// race, the flags eventually served are those of the last context set;
// intermediate fetch results are discarded.
func (c *RemoteClient) SetContext(ctx context.Context, evalContext Context) error {
	c.contextMu.Lock()
	c.evalContext = evalContext
	c.contextMu.Unlock()

	done := c.refresher.trigger()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return c.LastError()
}

func (c *RemoteClient) contextSnapshot() Context {
	c.contextMu.Lock()
	defer c.contextMu.Unlock()
	return c.evalContext
}

// Get returns the server-evaluated value of a flag, or defaultValue
// when the flag is absent or its value's shape differs from the
// default's.
func (c *RemoteClient) Get(slug string, defaultValue any) any {
	snapshot := *c.flags.Load()
	value, ok := snapshot[slug]
	if !ok || value == nil || !shapeMatches(value, defaultValue) {
		value = defaultValue
	}
	if r := c.config.reporting; r != nil {
		r.ReportFlag(c.clientID, slug, value, defaultValue)
	}
	c.onFlagEval.emit(FlagEvalEvent{Slug: slug, Value: value, Default: defaultValue})
	return value
}

// GetAll returns a copy of the current slug to value map.
func (c *RemoteClient) GetAll() map[string]any {
	snapshot := *c.flags.Load()
	result := make(map[string]any, len(snapshot))
	for slug, value := range snapshot {
		result[slug] = value
	}
	return result
}

// Refetch re-evaluates the current context against the API and waits
// for the covering fetch cycle.
func (c *RemoteClient) Refetch(ctx context.Context) error {
	done := c.refresher.trigger()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return c.LastError()
}

func (c *RemoteClient) StartPolling() {
	c.refresher.setInterval(c.config.pollingInterval)
}

func (c *RemoteClient) StopPolling() {
	c.refresher.setInterval(0)
}

func (c *RemoteClient) SetPollingInterval(interval time.Duration) {
	if interval < 0 {
		panic("tggl: polling interval must not be negative")
	}
	c.refresher.setInterval(interval)
}

func (c *RemoteClient) IsReady() bool {
	return c.ready.Load()
}

func (c *RemoteClient) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readyCh:
		return nil
	}
}

func (c *RemoteClient) OnReady(fn func()) func() {
	var once sync.Once
	call := func() { once.Do(fn) }
	unsubscribe := c.onReady.add(func(struct{}) { call() })
	if c.IsReady() {
		call()
	}
	return unsubscribe
}

func (c *RemoteClient) OnConfigChange(fn func(changedSlugs []string)) func() {
	return c.onConfigChange.add(fn)
}

func (c *RemoteClient) OnFetchSuccessful(fn func()) func() {
	return c.onFetchOK.add(func(struct{}) { fn() })
}

func (c *RemoteClient) OnError(fn func(err error)) func() {
	return c.onError.add(fn)
}

func (c *RemoteClient) OnFlagEval(fn func(event FlagEvalEvent)) func() {
	return c.onFlagEval.add(fn)
}

func (c *RemoteClient) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *RemoteClient) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

func (c *RemoteClient) Close() error {
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

// fetchFlags runs one fetch cycle against POST {base}/flags with the
// context captured at cycle start; same failover, retry and staleness
// rules as the config fetch.
func (c *RemoteClient) fetchFlags(ctx context.Context, version int64) {
	evalContext := c.contextSnapshot()
	b := newBackoff()
	var lastErr error
	for _, baseURL := range c.config.baseURLs {
		for attempt := 0; attempt <= c.config.maxRetries; attempt++ {
			if attempt > 0 {
				b.wait(ctx)
			}
			if ctx.Err() != nil {
				return
			}
			flags, err := c.fetchOnce(ctx, baseURL, evalContext)
			if err != nil {
				lastErr = err
				c.log.Debug("flags fetch attempt failed",
					"url", baseURL,
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
			if c.refresher.currentVersion() != version {
				// A newer context superseded this fetch, drop it.
				return
			}
			c.fetchedOnce.Store(true)
			c.publish(flags, false)
			c.onFetchOK.emit(struct{}{})
			return
		}
		b.reset()
	}
	if lastErr == nil {
		return
	}
	c.setLastError(lastErr)
	c.log.Error("flags fetch failed on all endpoints", "error", lastErr)
	c.onError.emit(lastErr)
}

func (c *RemoteClient) fetchOnce(ctx context.Context, baseURL string, evalContext Context) (map[string]any, error) {
	if evalContext == nil {
		evalContext = Context{}
	}
	resp, err := c.client.NewRequest().
		SetContext(ctx).
		SetBody(evalContext).
		Post(baseURL + "/flags")
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.IsError() {
		return nil, newServerError(resp.StatusCode(), resp.Body())
	}

	var flags map[string]any
	if err := json.Unmarshal(resp.Body(), &flags); err != nil {
		return nil, &MalformedResponseError{Reason: "expected a JSON object of flag values: " + err.Error()}
	}
	if flags == nil {
		// A JSON null body decodes without error; treating it as an empty
		// flag map would wipe the published snapshot.
		return nil, &MalformedResponseError{Reason: "expected a JSON object of flag values, got null"}
	}
	return flags, nil
}

func (c *RemoteClient) publish(flags map[string]any, onlyIfUnfetched bool) {
	next := make(map[string]any, len(flags))
	for slug, value := range flags {
		next[slug] = value
	}

	c.configMu.Lock()
	if onlyIfUnfetched && c.fetchedOnce.Load() {
		c.configMu.Unlock()
		return
	}
	old := *c.flags.Load()
	changed := diffValues(old, next)
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

// diffValues returns the sorted slugs whose value differs structurally
// between the two maps, including slugs present on only one side.
func diffValues(old, next map[string]any) []string {
	var changed []string
	for slug, value := range next {
		previous, ok := old[slug]
		if !ok || !reflect.DeepEqual(previous, value) {
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

func (c *RemoteClient) loadFromStorages(ctx context.Context) {
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
		if state.Type != remoteClientStateType {
			continue
		}
		if best == nil || state.Date > best.Date {
			best = &state
		}
	}
	if best == nil || len(best.Flags) == 0 {
		return
	}
	c.publish(best.Flags, true)
}

func (c *RemoteClient) saveToStorages(flags map[string]any) {
	data, err := json.Marshal(clientState{
		Type:  remoteClientStateType,
		Date:  time.Now().UnixMilli(),
		Flags: flags,
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
