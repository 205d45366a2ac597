package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
	"github.com/couchcryptid/festival-events-etl/internal/observability"
	"github.com/couchcryptid/festival-events-etl/internal/partition"
	"github.com/couchcryptid/festival-events-etl/internal/pipeline"
	"github.com/couchcryptid/festival-events-etl/internal/reconcile"
)

// --- mocks ---

type mockFeed struct {
	items      []string
	resolveErr error
	streamErr  error
	streamed   string
}

func (m *mockFeed) LatestResourceURL(context.Context) (string, error) {
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	return "https://feed.example/resource.json", nil
}

func (m *mockFeed) StreamResource(_ context.Context, url string) (iter.Seq[domain.RawItem], error) {
	m.streamed = url
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return func(yield func(domain.RawItem) bool) {
		for _, it := range m.items {
			if !yield(domain.RawItem(it)) {
				return
			}
		}
	}, nil
}

// mockTransformer decodes items as records. Items "skip" and "fail" are
// filtered and rejected respectively.
type mockTransformer struct {
	clock  *clockwork.FakeClock
	onCall func()
}

func (m *mockTransformer) Transform(_ context.Context, raw domain.RawItem) (pipeline.Item, error) {
	if m.onCall != nil {
		m.onCall()
	}
	if m.clock != nil {
		m.clock.Advance(time.Second)
	}
	switch string(raw) {
	case "skip":
		return pipeline.Item{}, nil
	case "fail":
		return pipeline.Item{}, errors.New("bad item")
	}
	rec, err := domain.DecodeRecord(raw)
	return pipeline.Item{Record: rec}, err
}

type mockPublisher struct {
	batches [][]domain.Change
	err     error
}

func (m *mockPublisher) PublishChanges(_ context.Context, changes []domain.Change) error {
	m.batches = append(m.batches, changes)
	return m.err
}

type mockMirror struct {
	mirrored []string
	failOn   string
}

func (m *mockMirror) Mirror(_ context.Context, id string) error {
	if id == m.failOn {
		return errors.New("upload failed")
	}
	m.mirrored = append(m.mirrored, id)
	return nil
}

type failingReconciler struct{}

func (failingReconciler) ReconcileDetail(context.Context, domain.Record, ...reconcile.Option) (reconcile.Decision, error) {
	return reconcile.Decision{Partition: "2025-06-01"}, errors.New("disk full")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store   *partition.Store
	metrics *observability.Metrics
	rec     *reconcile.Reconciler
}

func newHarness(t *testing.T) harness {
	t.Helper()
	m := observability.NewMetricsForTesting()
	s, err := partition.NewStore(t.TempDir(), discardLogger(), m)
	require.NoError(t, err)
	return harness{store: s, metrics: m, rec: reconcile.New(s, discardLogger())}
}

func event(name, day, url string) string {
	return `{"name":"` + name + `","startDate":"` + day + `","url":"` + url + `","organizer":{"name":"Parks"}}`
}

// --- tests ---

func TestDriver_Run_MixedItems(t *testing.T) {
	h := newHarness(t)
	feed := &mockFeed{items: []string{
		event("A", "2025-06-01", "https://a"),
		"skip",
		"fail",
		event("B", "2025-06-02", "https://b"),
		`{"name":"undated"}`,
		event("A", "2025-06-01", "https://a"),
	}}
	clock := clockwork.NewFakeClock()
	pub := &mockPublisher{}
	mir := &mockMirror{}

	d := pipeline.New(feed, &mockTransformer{clock: clock}, h.rec, discardLogger(), h.metrics, pipeline.Options{
		Publisher: pub,
		Mirror:    mir,
		Clock:     clock,
	})
	require.Error(t, d.CheckReadiness(context.Background()))

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.CheckReadiness(context.Background()))

	want := pipeline.Summary{
		Fetched:    6,
		Written:    3,
		Inserted:   2,
		Unchanged:  1,
		Skipped:    2,
		Failed:     1,
		Partitions: []string{"2025-06-01", "2025-06-02"},
		Duration:   6 * time.Second,
	}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(pipeline.Summary{}, "RunID", "Results")); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, sum.RunID)

	statuses := make([]pipeline.Status, len(sum.Results))
	for i, r := range sum.Results {
		assert.Equal(t, i, r.Index)
		statuses[i] = r.Status
	}
	assert.Equal(t, []pipeline.Status{
		pipeline.StatusSucceeded,
		pipeline.StatusSkipped,
		pipeline.StatusFailed,
		pipeline.StatusSucceeded,
		pipeline.StatusSkipped,
		pipeline.StatusSucceeded,
	}, statuses)
	require.Error(t, sum.Results[2].Err)
	assert.Contains(t, sum.Results[2].Err.Error(), "bad item")
	assert.Equal(t, reconcile.OutcomeUnchanged, sum.Results[5].Outcome)

	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 2)
	assert.Equal(t, "inserted", pub.batches[0][0].Action)
	assert.Equal(t, sum.RunID, pub.batches[0][0].RunID)
	assert.Equal(t, "2025-06-02", pub.batches[0][1].Partition)
	assert.Equal(t, []string{"2025-06-01", "2025-06-02"}, mir.mirrored)

	assert.InDelta(t, 6, testutil.ToFloat64(h.metrics.ItemsFetched), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.TransformErrors), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ItemFailures), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.RecordsReconciled.WithLabelValues("inserted")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.ChangesPublished), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.PartitionsMirrored), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.RunInProgress), 0)

	ids, err := h.store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-01", "2025-06-02"}, ids)
}

func TestDriver_Run_SecondRunIsNoop(t *testing.T) {
	h := newHarness(t)
	feed := &mockFeed{items: []string{
		event("A", "2025-06-01", "https://a"),
		event("B", "2025-06-01", "https://b"),
	}}
	newDriver := func(pub *mockPublisher) *pipeline.Driver {
		return pipeline.New(feed, &mockTransformer{}, h.rec, discardLogger(), h.metrics, pipeline.Options{Publisher: pub})
	}

	_, err := newDriver(&mockPublisher{}).Run(context.Background())
	require.NoError(t, err)
	before, err := os.ReadFile(h.store.Path("2025-06-01"))
	require.NoError(t, err)

	pub := &mockPublisher{}
	sum, err := newDriver(pub).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Unchanged)
	assert.Empty(t, sum.Partitions)
	assert.Empty(t, pub.batches)

	after, err := os.ReadFile(h.store.Path("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestDriver_Run_UpdateIsPublished(t *testing.T) {
	h := newHarness(t)
	original := `{"name":"A","startDate":"2025-06-01","url":"https://a","description":"old"}`
	changed := strings.Replace(original, "old", "new", 1)

	pub := &mockPublisher{}
	feed := &mockFeed{items: []string{original, changed}}
	sum, err := pipeline.New(feed, &mockTransformer{}, h.rec, discardLogger(), h.metrics, pipeline.Options{Publisher: pub}).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 1, sum.Updated)
	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 2)
	assert.Equal(t, "updated", pub.batches[0][1].Action)
	assert.Equal(t, "new", pub.batches[0][1].Record["description"])
}

func TestDriver_Run_PublishesInBatches(t *testing.T) {
	h := newHarness(t)
	var items []string
	for _, c := range "abcde" {
		items = append(items, event("E", "2025-06-01", "https://"+string(c)))
	}

	pub := &mockPublisher{}
	_, err := pipeline.New(&mockFeed{items: items}, &mockTransformer{}, h.rec, discardLogger(), h.metrics,
		pipeline.Options{BatchSize: 2, Publisher: pub}).Run(context.Background())
	require.NoError(t, err)

	sizes := make([]int, len(pub.batches))
	for i, b := range pub.batches {
		sizes[i] = len(b)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestDriver_Run_PublishAndMirrorErrorsDoNotFailItems(t *testing.T) {
	h := newHarness(t)
	feed := &mockFeed{items: []string{
		event("A", "2025-06-01", "https://a"),
		event("B", "2025-06-02", "https://b"),
	}}
	pub := &mockPublisher{err: errors.New("broker down")}
	mir := &mockMirror{failOn: "2025-06-01"}

	sum, err := pipeline.New(feed, &mockTransformer{}, h.rec, discardLogger(), h.metrics,
		pipeline.Options{Publisher: pub, Mirror: mir}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Written)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, []string{"2025-06-02"}, mir.mirrored)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.PublishErrors), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.MirrorErrors), 0)
}

func TestDriver_Run_ReconcileErrorIsPerItem(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	feed := &mockFeed{items: []string{event("A", "2025-06-01", "https://a"), event("B", "2025-06-01", "https://b")}}

	sum, err := pipeline.New(feed, &mockTransformer{}, failingReconciler{}, discardLogger(), metrics, pipeline.Options{}).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	assert.Zero(t, sum.Written)
	assert.Equal(t, "2025-06-01", sum.Results[0].Partition)
	assert.ErrorContains(t, sum.Results[0].Err, "disk full")
}

func TestDriver_Run_FeedErrorsAreFatal(t *testing.T) {
	errNoResource := errors.New("no resource")
	tests := []struct {
		name string
		feed *mockFeed
	}{
		{"resolve", &mockFeed{resolveErr: errNoResource}},
		{"stream", &mockFeed{streamErr: errNoResource}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.NewMetricsForTesting()
			d := pipeline.New(tt.feed, &mockTransformer{}, failingReconciler{}, discardLogger(), metrics, pipeline.Options{})
			_, err := d.Run(context.Background())
			require.ErrorIs(t, err, errNoResource)
			assert.Error(t, d.CheckReadiness(context.Background()))
		})
	}
}

func TestDriver_Run_ContextCancellationStopsBetweenItems(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := &mockFeed{items: []string{
		event("A", "2025-06-01", "https://a"),
		event("B", "2025-06-01", "https://b"),
		event("C", "2025-06-01", "https://c"),
	}}
	tfm := &mockTransformer{onCall: cancel}

	sum, err := pipeline.New(feed, tfm, h.rec, discardLogger(), h.metrics, pipeline.Options{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Fetched)
	assert.Len(t, sum.Results, 1)
}

func TestEventTransformer_Transform(t *testing.T) {
	tfm := pipeline.NewTransformer(nil, discardLogger())

	item, err := tfm.Transform(context.Background(), domain.RawItem(`{
		"event_name": "Jazz Fest",
		"event_startdate": "2025-06-20T19:00:00",
		"event_locations": [{"location_name": "Nathan Phillips Square", "location_address": "100 Queen St W, Toronto, ON M5H 2N2"}],
		"partnerships": [{"text": "City of Toronto"}],
		"event_website": "https://jazz.example"
	}`))
	require.NoError(t, err)
	rec := item.Record
	require.NotNil(t, rec)
	assert.False(t, item.GeoUnresolved)

	id, ok := domain.PartitionID(rec)
	require.True(t, ok)
	assert.Equal(t, "2025-06-20", id)
	assert.Equal(t, "Jazz Fest", rec["name"])
	assert.Nil(t, rec["location"].(map[string]any)["geo"])
	assert.Equal(t, []any{}, rec["keywords"])
}

func TestEventTransformer_Filtered(t *testing.T) {
	tfm := pipeline.NewTransformer(nil, discardLogger())
	item, err := tfm.Transform(context.Background(), domain.RawItem(`{"event_name":"   "}`))
	require.NoError(t, err)
	assert.Nil(t, item.Record)

	_, err = tfm.Transform(context.Background(), domain.RawItem(`[1]`))
	require.Error(t, err)
}

type stubGeocoder struct{ lat, lon float64 }

func (s stubGeocoder) ForwardGeocode(context.Context, string) (domain.GeocodingResult, error) {
	return domain.GeocodingResult{Lat: s.lat, Lon: s.lon, Confidence: 1}, nil
}

func TestEventTransformer_Geocodes(t *testing.T) {
	tfm := pipeline.NewTransformer(stubGeocoder{lat: 43.65, lon: -79.38}, discardLogger())
	item, err := tfm.Transform(context.Background(), domain.RawItem(`{
		"event_name": "Jazz Fest",
		"event_startdate": "2025-06-20",
		"event_locations": [{"location_name": "Nathan Phillips Square"}]
	}`))
	require.NoError(t, err)

	geo, ok := item.Record["location"].(map[string]any)["geo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("43.65"), geo["latitude"])
	assert.Equal(t, json.Number("-79.38"), geo["longitude"])
	assert.Equal(t, "GeoCoordinates", geo["@type"])
}

// flakyGeocoder fails while down is set.
type flakyGeocoder struct {
	down bool
}

func (f *flakyGeocoder) ForwardGeocode(context.Context, string) (domain.GeocodingResult, error) {
	if f.down {
		return domain.GeocodingResult{}, errors.New("mapbox: 503 Service Unavailable")
	}
	return domain.GeocodingResult{Lat: 43.6532, Lon: -79.3832, FormattedAddress: "Nathan Phillips Square", Confidence: 0.95}, nil
}

func TestDriver_Run_GeocodingOutageKeepsStoredCoordinates(t *testing.T) {
	h := newHarness(t)
	geo := &flakyGeocoder{}
	feed := &mockFeed{items: []string{`{
		"event_name": "Winterfest",
		"event_startdate": "2025-12-13",
		"event_locations": [{"location_name": "Nathan Phillips Square", "location_address": "100 Queen St W, Toronto, ON M5H 2N2"}],
		"partnerships": [{"text": "City of Toronto"}]
	}`}}
	run := func() pipeline.Summary {
		t.Helper()
		sum, err := pipeline.New(feed, pipeline.NewTransformer(geo, discardLogger()), h.rec, discardLogger(), h.metrics, pipeline.Options{}).
			Run(context.Background())
		require.NoError(t, err)
		return sum
	}

	first := run()
	assert.Equal(t, 1, first.Inserted)
	stored, err := os.ReadFile(h.store.Path("2025-12-13"))
	require.NoError(t, err)
	require.Contains(t, string(stored), `"latitude":43.6532`)

	geo.down = true
	outage := run()
	assert.Equal(t, 1, outage.Unchanged)
	assert.Zero(t, outage.Updated)
	assert.Equal(t, pipeline.StatusSucceeded, outage.Results[0].Status)
	after, err := os.ReadFile(h.store.Path("2025-12-13"))
	require.NoError(t, err)
	assert.Equal(t, string(stored), string(after))

	geo.down = false
	recovered := run()
	assert.Equal(t, 1, recovered.Unchanged)
}

func TestEventTransformer_GeocodingFailureIsFlagged(t *testing.T) {
	tfm := pipeline.NewTransformer(&flakyGeocoder{down: true}, discardLogger())
	item, err := tfm.Transform(context.Background(), domain.RawItem(`{
		"event_name": "Jazz Fest",
		"event_startdate": "2025-06-20",
		"event_locations": [{"location_name": "Nathan Phillips Square"}]
	}`))
	require.NoError(t, err)
	assert.True(t, item.GeoUnresolved)
	assert.Nil(t, item.Record.Geo())
}
