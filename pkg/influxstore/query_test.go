package influxstore_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-weather/pkg/influxstore"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// csvTable renders one annotated Flux CSV table.
func csvTable(datatypes, groups, columns []string, rows ...[]string) string {
	defaults := make([]string, len(columns))
	defaults[0] = "_result"
	var sb strings.Builder
	sb.WriteString("#datatype," + strings.Join(datatypes, ",") + "\n")
	sb.WriteString("#group," + strings.Join(groups, ",") + "\n")
	sb.WriteString("#default," + strings.Join(defaults, ",") + "\n")
	sb.WriteString("," + strings.Join(columns, ",") + "\n")
	for _, r := range rows {
		sb.WriteString("," + strings.Join(r, ",") + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

var latestColumns = []string{"result", "table", "_start", "_stop", "_time", "_value", "_field", "_measurement", "location", "source_id"}
var latestTypes = []string{"string", "long", "dateTime:RFC3339", "dateTime:RFC3339", "dateTime:RFC3339", "double", "string", "string", "string", "string"}
var latestGroups = []string{"false", "false", "true", "true", "false", "false", "true", "true", "true", "true"}

func latestRow(table, ts, value, field, location, source string) []string {
	return []string{"", table, "2024-05-01T11:55:00Z", "2024-05-01T12:00:00Z", ts, value, field, "weather_data", location, source}
}

type stubQueryServer struct {
	*httptest.Server
	mu      sync.Mutex
	queries []string
}

func newStubQueryServer(t *testing.T, status int, body string) *stubQueryServer {
	t.Helper()
	s := &stubQueryServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/query" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var q struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(raw, &q)
		s.mu.Lock()
		s.queries = append(s.queries, q.Query)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestQuerier(t *testing.T, url string) *influxstore.Querier {
	t.Helper()
	client := influxdb2.NewClient(url, "test-token")
	t.Cleanup(client.Close)
	return influxstore.NewQuerier(client.QueryAPI("test-org"), "weather", "", zerolog.Nop())
}

func TestQuerier_Latest(t *testing.T) {
	body := csvTable(latestTypes, latestGroups, latestColumns,
		latestRow("0", "2024-05-01T11:59:58Z", "21.5", "temperature", "roof", "Y"),
		latestRow("1", "2024-05-01T11:59:58Z", "48", "humidity", "roof", "Y"),
		latestRow("2", "2024-05-01T11:57:00Z", "19", "temperature", "garden", "Z"),
	)
	srv := newStubQueryServer(t, http.StatusOK, body)
	q := newTestQuerier(t, srv.URL)

	records, err := q.Latest(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, records, 2)

	y := records[0]
	assert.Equal(t, "Y", y.SourceID())
	assert.Equal(t, map[string]float64{"temperature": 21.5, "humidity": 48}, y.Fields())
	assert.Equal(t, map[string]string{"location": "roof"}, y.Tags())
	ts, ok := y.CapturedAt()
	require.True(t, ok)
	assert.True(t, time.Date(2024, 5, 1, 11, 59, 58, 0, time.UTC).Equal(ts))

	assert.Equal(t, "Z", records[1].SourceID())

	require.Len(t, srv.queries, 1)
	assert.Contains(t, srv.queries[0], `from(bucket: "weather")`)
	assert.Contains(t, srv.queries[0], `range(start: -300s)`)
	assert.Contains(t, srv.queries[0], `r._measurement == "weather_data"`)
}

func TestQuerier_LatestKeepsNewestPerField(t *testing.T) {
	body := csvTable(latestTypes, latestGroups, latestColumns,
		latestRow("0", "2024-05-01T11:59:00Z", "20", "temperature", "old-site", "Y"),
		latestRow("1", "2024-05-01T11:59:30Z", "22", "temperature", "new-site", "Y"),
		latestRow("2", "2024-05-01T11:58:00Z", "50", "humidity", "old-site", "Y"),
	)
	srv := newStubQueryServer(t, http.StatusOK, body)
	q := newTestQuerier(t, srv.URL)

	records, err := q.Latest(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, map[string]float64{"temperature": 22, "humidity": 50}, records[0].Fields())
	assert.Equal(t, "new-site", records[0].Tags()["location"])
}

func TestQuerier_LatestEmpty(t *testing.T) {
	srv := newStubQueryServer(t, http.StatusOK, "")
	q := newTestQuerier(t, srv.URL)

	records, err := q.Latest(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQuerier_LatestServerError(t *testing.T) {
	srv := newStubQueryServer(t, http.StatusInternalServerError, "boom")
	q := newTestQuerier(t, srv.URL)

	_, err := q.Latest(context.Background(), time.Minute)
	assert.Error(t, err)
}

func TestQuerier_Recent(t *testing.T) {
	columns := []string{"result", "table", "_start", "_stop", "_time", "_measurement", "location", "source_id", "humidity", "temperature"}
	types := []string{"string", "long", "dateTime:RFC3339", "dateTime:RFC3339", "dateTime:RFC3339", "string", "string", "string", "double", "double"}
	groups := []string{"false", "false", "false", "false", "false", "false", "false", "false", "false", "false"}
	row := func(ts, hum, temp string) []string {
		return []string{"", "0", "2024-05-01T11:00:00Z", "2024-05-01T12:00:00Z", ts, "weather_data", "roof", "esp32-1", hum, temp}
	}
	body := csvTable(types, groups, columns,
		row("2024-05-01T11:59:00Z", "48", "21.5"),
		row("2024-05-01T11:58:00Z", "", "21.0"),
	)
	srv := newStubQueryServer(t, http.StatusOK, body)
	q := newTestQuerier(t, srv.URL)

	records, err := q.Recent(context.Background(), "esp32-1", time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, map[string]float64{"humidity": 48, "temperature": 21.5}, records[0].Fields())
	assert.Equal(t, map[string]float64{"temperature": 21.0}, records[1].Fields())
	assert.Equal(t, "roof", records[0].Tags()["location"])
	assert.Contains(t, srv.queries[0], `r.source_id == "esp32-1"`)
	assert.Contains(t, srv.queries[0], `limit(n: 10)`)
}

func TestQuerier_Count(t *testing.T) {
	body := csvTable(
		[]string{"string", "long", "long"},
		[]string{"false", "false", "false"},
		[]string{"result", "table", "_value"},
		[]string{"", "0", "42"},
	)
	srv := newStubQueryServer(t, http.StatusOK, body)
	q := newTestQuerier(t, srv.URL)

	n, err := q.Count(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestQuerier_RecentEscapesSourceID(t *testing.T) {
	srv := newStubQueryServer(t, http.StatusOK, "")
	q := newTestQuerier(t, srv.URL)

	_, err := q.Recent(context.Background(), `x${string(v: 1)}") or (true`, time.Hour, 10)
	require.NoError(t, err)

	require.Len(t, srv.queries, 1)
	assert.Contains(t, srv.queries[0], `r.source_id == "x\${string(v: 1)}\") or (true")`)
	assert.NotContains(t, srv.queries[0], `"x${`)
}
