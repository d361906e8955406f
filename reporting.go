package tggl

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
)

const (
	// maxValueEntriesPerReport bounds a single report payload; larger
	// accumulations are split into several POSTs.
	maxValueEntriesPerReport = 2000

	// maxReportedValueLength truncates sampled string values and labels
	// before transport.
	maxReportedValueLength = 240
)

// Reporting aggregates flag evaluations and observed contexts and
// flushes them to the API in batches. Reports are best-effort with
// at-least-once delivery: a failed flush merges its data back into the
// live accumulators so nothing is permanently lost, at the cost of
// possible double counting if the server processed a request that
// looked failed from here.
type Reporting struct {
	apiKey   string
	baseURLs []string
	client   *resty.Client
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu sync.Mutex
	// clientID -> slug -> fingerprint -> counter
	flags map[string]map[string]map[string]*flagCount
	// context key -> [firstSeen, lastSeen] in epoch seconds
	properties map[string][2]int64
	// context key -> observed value -> label ("" when none)
	values map[string]map[string]string

	timer  *time.Timer
	closed bool
}

type flagCount struct {
	value        any
	defaultValue any
	count        int64
}

type ReportingOption func(*Reporting)

func WithReportingBaseURLs(urls []string) ReportingOption {
	return func(r *Reporting) {
		if len(urls) > 0 {
			r.baseURLs = urls
		}
	}
}

// WithReportingFlushInterval sets the automatic flush cadence. Zero
// disables automatic flushes; Flush must then be called manually.
func WithReportingFlushInterval(interval time.Duration) ReportingOption {
	return func(r *Reporting) {
		if interval < 0 {
			panic("tggl: flush interval must not be negative")
		}
		r.interval = interval
	}
}

func WithReportingTimeout(timeout time.Duration) ReportingOption {
	return func(r *Reporting) {
		if timeout < 0 {
			panic("tggl: reporting timeout must not be negative")
		}
		r.timeout = timeout
	}
}

func WithReportingLogger(log *slog.Logger) ReportingOption {
	return func(r *Reporting) {
		r.log = log
	}
}

func NewReporting(apiKey string, options ...ReportingOption) *Reporting {
	r := &Reporting{
		apiKey:     apiKey,
		baseURLs:   []string{DefaultBaseURL},
		log:        slog.Default(),
		interval:   DefaultStandaloneFlushInterval,
		timeout:    DefaultTimeout,
		flags:      make(map[string]map[string]map[string]*flagCount),
		properties: make(map[string][2]int64),
		values:     make(map[string]map[string]string),
	}
	for _, opt := range options {
		opt(r)
	}
	r.client = newAPIClient(apiKey, r.timeout, r.log)
	return r
}

// ReportFlag records one evaluation of slug with the given result and
// default, attributed to clientID.
func (r *Reporting) ReportFlag(clientID, slug string, value, defaultValue any) {
	r.ReportFlagCount(clientID, slug, value, defaultValue, 1)
}

// ReportFlagCount is ReportFlag with an explicit occurrence count, used
// by the failure merge-back path.
func (r *Reporting) ReportFlagCount(clientID, slug string, value, defaultValue any, count int64) {
	if count <= 0 {
		return
	}
	fp := fingerprint(value, defaultValue)

	r.mu.Lock()
	defer r.mu.Unlock()
	bySlug := r.flags[clientID]
	if bySlug == nil {
		bySlug = make(map[string]map[string]*flagCount)
		r.flags[clientID] = bySlug
	}
	byFingerprint := bySlug[slug]
	if byFingerprint == nil {
		byFingerprint = make(map[string]*flagCount)
		bySlug[slug] = byFingerprint
	}
	fc := byFingerprint[fp]
	if fc == nil {
		fc = &flagCount{value: value, defaultValue: defaultValue}
		byFingerprint[fp] = fc
	}
	fc.count += count
	r.armFlushLocked()
}

// ReportContext records every key of an observed evaluation context,
// widening its first/last-seen window to now. String values are
// sampled, optionally paired with a label found under the matching
// *_NAME key.
func (r *Reporting) ReportContext(evalContext Context) {
	if len(evalContext) == 0 {
		return
	}
	now := time.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range evalContext {
		r.widenWindowLocked(key, now, now)

		str, ok := value.(string)
		if !ok || str == "" {
			continue
		}
		r.recordValueLocked(key, str, contextLabel(evalContext, key))
	}
	r.armFlushLocked()
}

// widenWindowLocked grows the observation window of key to include
// [first, last]. Caller holds mu.
func (r *Reporting) widenWindowLocked(key string, first, last int64) {
	window, ok := r.properties[key]
	if !ok {
		window = [2]int64{first, last}
	} else {
		if first < window[0] {
			window[0] = first
		}
		if last > window[1] {
			window[1] = last
		}
	}
	r.properties[key] = window
}

// recordValueLocked samples a string value. Labels are last-write-wins
// but an empty label never overwrites a known one. Caller holds mu.
func (r *Reporting) recordValueLocked(key, value, label string) {
	byValue := r.values[key]
	if byValue == nil {
		byValue = make(map[string]string)
		r.values[key] = byValue
	}
	if label != "" {
		byValue[value] = label
	} else if _, seen := byValue[value]; !seen {
		byValue[value] = ""
	}
}

// contextLabel resolves the display label for an *_ID key: its name in
// CONSTANT_CASE with the _ID suffix swapped for _NAME, matched against
// the other keys of the same context regardless of their casing.
func contextLabel(evalContext Context, key string) string {
	cc := constantCase(key)
	if !strings.HasSuffix(cc, "_ID") {
		return ""
	}
	want := strings.TrimSuffix(cc, "_ID") + "_NAME"
	for k, v := range evalContext {
		if k == key || constantCase(k) != want {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// constantCase converts camelCase, snake_case or kebab-case to
// CONSTANT_CASE. Runs of upper-case letters split per letter, so the
// _ID suffix needs a fixup ("userID" -> "USER_I_D" -> "USER_ID").
func constantCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0:
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.ReplaceAll(out, "_I_D", "_ID")
}

// fingerprint canonicalizes a (value, default) pair so structurally
// equal pairs share one counter regardless of evaluation order.
func fingerprint(value, defaultValue any) string {
	v, _ := json.Marshal(value)
	d, _ := json.Marshal(defaultValue)
	return string(v) + "/" + string(d)
}

// armFlushLocked schedules an automatic flush when an interval is
// configured and something is pending. Caller holds mu.
func (r *Reporting) armFlushLocked() {
	if r.interval <= 0 || r.closed || r.timer != nil {
		return
	}
	if len(r.flags) == 0 && len(r.properties) == 0 && len(r.values) == 0 {
		return
	}
	r.timer = time.AfterFunc(r.interval, r.flushTick)
}

func (r *Reporting) flushTick() {
	r.mu.Lock()
	r.timer = nil
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.log.Warn("failed to send usage report", "error", err)
	}

	r.mu.Lock()
	r.armFlushLocked()
	r.mu.Unlock()
}

// Flush swaps the accumulators out wholesale and sends their contents,
// split into bounded batches. Reports arriving during the flush land in
// the fresh accumulators. Each failed batch is merged back into the
// live accumulators; batches that went through are not re-sent.
func (r *Reporting) Flush(ctx context.Context) error {
	r.mu.Lock()
	flags, properties, values := r.flags, r.properties, r.values
	r.flags = make(map[string]map[string]map[string]*flagCount)
	r.properties = make(map[string][2]int64)
	r.values = make(map[string]map[string]string)
	r.mu.Unlock()

	if len(flags) == 0 && len(properties) == 0 && len(values) == 0 {
		return nil
	}

	var lastErr error
	for _, batch := range splitReportBatches(flags, properties, values) {
		if err := r.send(ctx, batch.payload()); err != nil {
			lastErr = err
			r.mergeBack(batch)
		}
	}
	return lastErr
}

func (r *Reporting) send(ctx context.Context, payload usageReport) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &SerializationError{Err: err}
	}
	var lastErr error
	for _, baseURL := range r.baseURLs {
		resp, err := r.client.NewRequest().
			SetContext(ctx).
			SetBody(body).
			Post(baseURL + "/report")
		if err != nil {
			lastErr = &TransportError{Err: err}
			continue
		}
		if resp.IsError() {
			lastErr = newServerError(resp.StatusCode(), resp.Body())
			continue
		}
		return nil
	}
	return lastErr
}

// mergeBack folds a failed batch into the live accumulators with
// operator-appropriate merges: counts sum, windows take min/max and an
// empty label never beats a known one.
func (r *Reporting) mergeBack(batch reportBatch) {
	for clientID, bySlug := range batch.flags {
		for slug, byFingerprint := range bySlug {
			for _, fc := range byFingerprint {
				r.ReportFlagCount(clientID, slug, fc.value, fc.defaultValue, fc.count)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, window := range batch.properties {
		r.widenWindowLocked(key, window[0], window[1])
	}
	for key, byValue := range batch.values {
		for value, label := range byValue {
			r.recordValueLocked(key, value, label)
		}
	}
	r.armFlushLocked()
}

// Close stops automatic flushing and performs one final synchronous
// flush with a short timeout.
func (r *Reporting) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Flush(ctx)
}

// Wire format of POST /report.
type usageReport struct {
	Clients            []clientUsage         `json:"clients,omitempty"`
	ReceivedProperties map[string][2]int64   `json:"receivedProperties,omitempty"`
	ReceivedValues     map[string][][]string `json:"receivedValues,omitempty"`
}

type clientUsage struct {
	ID    string                 `json:"id,omitempty"`
	Flags map[string][]flagUsage `json:"flags"`
}

type flagUsage struct {
	Value   any   `json:"value"`
	Default any   `json:"default"`
	Count   int64 `json:"count"`
}

// reportBatch is one POST worth of accumulated data, kept in its
// accumulator form so a failed send can merge back exactly what it
// carried.
type reportBatch struct {
	flags      map[string]map[string]map[string]*flagCount
	properties map[string][2]int64
	values     map[string]map[string]string
}

func (b reportBatch) payload() usageReport {
	report := usageReport{}
	if len(b.properties) > 0 {
		report.ReceivedProperties = b.properties
	}
	for clientID, bySlug := range b.flags {
		usage := clientUsage{
			ID:    clientID,
			Flags: make(map[string][]flagUsage, len(bySlug)),
		}
		for slug, byFingerprint := range bySlug {
			counters := make([]flagUsage, 0, len(byFingerprint))
			for _, fc := range byFingerprint {
				counters = append(counters, flagUsage{
					Value:   fc.value,
					Default: fc.defaultValue,
					Count:   fc.count,
				})
			}
			usage.Flags[slug] = counters
		}
		report.Clients = append(report.Clients, usage)
	}
	if len(b.values) > 0 {
		received := make(map[string][][]string, len(b.values))
		for key, byValue := range b.values {
			entries := make([][]string, 0, len(byValue))
			for value, label := range byValue {
				entry := []string{truncate(value, maxReportedValueLength)}
				if label != "" {
					entry = append(entry, truncate(label, maxReportedValueLength))
				}
				entries = append(entries, entry)
			}
			received[key] = entries
		}
		report.ReceivedValues = received
	}
	return report
}

// splitReportBatches bounds the number of sampled value entries per
// payload. Flag counters and property windows travel with the first
// batch; overflowing value entries spill into follow-up batches.
func splitReportBatches(
	flags map[string]map[string]map[string]*flagCount,
	properties map[string][2]int64,
	values map[string]map[string]string,
) []reportBatch {
	batches := []reportBatch{{
		flags:      flags,
		properties: properties,
		values:     make(map[string]map[string]string),
	}}
	entries := 0
	for key, byValue := range values {
		for value, label := range byValue {
			if entries == maxValueEntriesPerReport {
				batches = append(batches, reportBatch{
					flags:      make(map[string]map[string]map[string]*flagCount),
					properties: make(map[string][2]int64),
					values:     make(map[string]map[string]string),
				})
				entries = 0
			}
			current := batches[len(batches)-1].values
			if current[key] == nil {
				current[key] = make(map[string]string)
			}
			current[key][value] = label
			entries++
		}
	}
	return batches
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
