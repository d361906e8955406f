package tggl_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tggl "github.com/tggl-io/tggl-go-client"
	"github.com/tggl-io/tggl-go-client/fixtures"
)

// receivedReport mirrors the POST /report wire format.
type receivedReport struct {
	Clients []struct {
		ID    string `json:"id"`
		Flags map[string][]struct {
			Value   any   `json:"value"`
			Default any   `json:"default"`
			Count   int64 `json:"count"`
		} `json:"flags"`
	} `json:"clients"`
	ReceivedProperties map[string][2]int64   `json:"receivedProperties"`
	ReceivedValues     map[string][][]string `json:"receivedValues"`
}

// reportSink captures every report POSTed to it, optionally failing the
// first n requests.
type reportSink struct {
	mu       sync.Mutex
	reports  []receivedReport
	failNext int
	server   *httptest.Server
}

func newReportSink(t *testing.T) *reportSink {
	sink := &reportSink{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/report", req.URL.Path)
		assert.Equal(t, fixtures.APIKey, req.Header.Get("x-tggl-api-key"))

		sink.mu.Lock()
		defer sink.mu.Unlock()
		if sink.failNext > 0 {
			sink.failNext--
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		var report receivedReport
		require.NoError(t, json.NewDecoder(req.Body).Decode(&report))
		sink.reports = append(sink.reports, report)
		rw.WriteHeader(http.StatusOK)
	}))
	return sink
}

func (s *reportSink) received() []receivedReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedReport(nil), s.reports...)
}

func newTestReporting(sink *reportSink) *tggl.Reporting {
	return tggl.NewReporting(fixtures.APIKey,
		tggl.WithReportingBaseURLs([]string{sink.server.URL}),
		tggl.WithReportingFlushInterval(0),
	)
}

func TestReportingAggregatesFlagCounts(t *testing.T) {
	// Given
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := newTestReporting(sink)

	// When the same evaluation repeats and a different one interleaves
	reporting.ReportFlag("client-a", "checkout_redesign", "premium", "fallback")
	reporting.ReportFlag("client-a", "checkout_redesign", "premium", "fallback")
	reporting.ReportFlag("client-a", "checkout_redesign", "basic", "fallback")
	require.NoError(t, reporting.Flush(context.Background()))

	// Then counts are grouped by (value, default)
	reports := sink.received()
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Clients, 1)
	assert.Equal(t, "client-a", reports[0].Clients[0].ID)
	counters := reports[0].Clients[0].Flags["checkout_redesign"]
	require.Len(t, counters, 2)
	counts := map[any]int64{}
	for _, counter := range counters {
		counts[counter.Value] = counter.Count
	}
	assert.Equal(t, int64(2), counts["premium"])
	assert.Equal(t, int64(1), counts["basic"])
}

func TestReportingMergesBackOnFailedFlush(t *testing.T) {
	// Given a sink that rejects the first flush
	sink := newReportSink(t)
	defer sink.server.Close()
	sink.failNext = 1
	reporting := newTestReporting(sink)

	reporting.ReportFlag("c", "f", "v", "d")
	reporting.ReportFlag("c", "f", "v", "d")
	reporting.ReportFlag("c", "f", "v", "d")

	// When the first flush fails and a second one succeeds
	require.Error(t, reporting.Flush(context.Background()))
	require.NoError(t, reporting.Flush(context.Background()))

	// Then the server sees a single record with count 3, not 6, not 0
	reports := sink.received()
	require.Len(t, reports, 1)
	counters := reports[0].Clients[0].Flags["f"]
	require.Len(t, counters, 1)
	assert.Equal(t, int64(3), counters[0].Count)

	// And nothing is left to send afterwards
	require.NoError(t, reporting.Flush(context.Background()))
	assert.Len(t, sink.received(), 1)
}

func TestReportingContextWindowsAndLabels(t *testing.T) {
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := newTestReporting(sink)

	before := time.Now().Unix()
	reporting.ReportContext(tggl.Context{
		"userId":   "u1",
		"userName": "Ada",
		"plan":     "premium",
		"visits":   12,
	})
	after := time.Now().Unix()
	require.NoError(t, reporting.Flush(context.Background()))

	reports := sink.received()
	require.Len(t, reports, 1)
	report := reports[0]

	// Every key gets an observation window around "now"
	for _, key := range []string{"userId", "userName", "plan", "visits"} {
		window, ok := report.ReceivedProperties[key]
		require.True(t, ok, "missing window for %s", key)
		assert.GreaterOrEqual(t, window[0], before)
		assert.LessOrEqual(t, window[1], after)
		assert.LessOrEqual(t, window[0], window[1])
	}

	// String values are sampled; userId picks up the userName label
	assert.Contains(t, report.ReceivedValues["userId"], []string{"u1", "Ada"})
	assert.Contains(t, report.ReceivedValues["plan"], []string{"premium"})
	// Non-string values are not sampled
	assert.NotContains(t, report.ReceivedValues, "visits")
	// userName itself is sampled as a plain value
	assert.Contains(t, report.ReceivedValues["userName"], []string{"Ada"})
}

func TestReportingLabelConventionIsCaseInsensitive(t *testing.T) {
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := newTestReporting(sink)

	// snake_case key, camelCase label key, trailing upper-case ID
	reporting.ReportContext(tggl.Context{
		"organization_id":  "org-1",
		"organizationName": "Acme",
	})
	reporting.ReportContext(tggl.Context{
		"teamID":    "team-9",
		"team_name": "Platform",
	})
	require.NoError(t, reporting.Flush(context.Background()))

	reports := sink.received()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].ReceivedValues["organization_id"], []string{"org-1", "Acme"})
	assert.Contains(t, reports[0].ReceivedValues["teamID"], []string{"team-9", "Platform"})
}

func TestReportingTruncatesLongValues(t *testing.T) {
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := newTestReporting(sink)

	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	reporting.ReportContext(tggl.Context{"session": long})
	require.NoError(t, reporting.Flush(context.Background()))

	reports := sink.received()
	require.Len(t, reports, 1)
	entries := reports[0].ReceivedValues["session"]
	require.Len(t, entries, 1)
	assert.Len(t, entries[0][0], 240)
}

func TestReportingSplitsLargePayloads(t *testing.T) {
	// Given more sampled values than fit in one payload
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := newTestReporting(sink)

	evalContext := tggl.Context{}
	total := 2500
	for i := 0; i < total; i++ {
		evalContext[fmt.Sprintf("key%d", i)] = fmt.Sprintf("value%d", i)
	}
	reporting.ReportContext(evalContext)
	require.NoError(t, reporting.Flush(context.Background()))

	// Then the flush used several bounded batches covering everything
	reports := sink.received()
	require.Len(t, reports, 2)
	entries := 0
	for _, report := range reports {
		batch := 0
		for _, values := range report.ReceivedValues {
			batch += len(values)
		}
		assert.LessOrEqual(t, batch, 2000)
		entries += batch
	}
	assert.Equal(t, total, entries)
}

func TestReportingAutomaticFlush(t *testing.T) {
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := tggl.NewReporting(fixtures.APIKey,
		tggl.WithReportingBaseURLs([]string{sink.server.URL}),
		tggl.WithReportingFlushInterval(10*time.Millisecond),
	)
	defer reporting.Close()

	reporting.ReportFlag("c", "f", "v", "d")

	assert.Eventually(t, func() bool {
		return len(sink.received()) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReportingCloseFlushesPendingData(t *testing.T) {
	sink := newReportSink(t)
	defer sink.server.Close()
	reporting := newTestReporting(sink)

	reporting.ReportFlag("c", "f", "v", "d")
	require.NoError(t, reporting.Close())

	require.Len(t, sink.received(), 1)
}

func TestClientReportsEvaluationsThroughOwnedReporting(t *testing.T) {
	// Given a server handling both /config and /report
	sink := newReportSink(t)
	defer sink.server.Close()
	mux := http.NewServeMux()
	mux.HandleFunc("/config", fixtures.ConfigHandler)
	mux.Handle("/report", sink.server.Config.Handler)
	server := httptest.NewServer(mux)
	defer server.Close()

	client := tggl.NewClient(fixtures.APIKey, tggl.WithBaseURL(server.URL))
	defer client.Close()
	require.NoError(t, client.WaitReady(context.Background()))

	// When
	client.Get(tggl.Context{"plan": "premium"}, "checkout_redesign", "fallback")
	require.NoError(t, client.Reporting().Flush(context.Background()))

	// Then the evaluation and the context keys were reported
	reports := sink.received()
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Clients, 1)
	assert.Contains(t, reports[0].Clients[0].ID, "go-client:")
	counters := reports[0].Clients[0].Flags["checkout_redesign"]
	require.Len(t, counters, 1)
	assert.Equal(t, "premium", counters[0].Value)
	assert.Equal(t, "fallback", counters[0].Default)
	assert.Equal(t, int64(1), counters[0].Count)
	assert.Contains(t, reports[0].ReceivedProperties, "plan")
}
