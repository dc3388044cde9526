package httpsource

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/pkg/source"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)

	a, err := New(log, &Config{
		Name:               "Elexon",
		URL:                srv.URL,
		Path:               "/records",
		Token:              "secret",
		Timeout:            5 * time.Second,
		IdentifiersPerCall: 2,
	})
	require.NoError(t, err)

	return a
}

func TestFetchBatchesIdentifiers(t *testing.T) {
	var (
		mu      sync.Mutex
		batches []string
	)

	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2023-01-01T00:00:00Z", r.URL.Query().Get("start"))

		mu.Lock()
		batches = append(batches, r.URL.Query().Get("identifiers"))
		mu.Unlock()

		ids := strings.Split(r.URL.Query().Get("identifiers"), ",")
		w.Header().Set("Content-Type", "application/json")

		var sb strings.Builder
		sb.WriteString(`{"records":[`)

		for i, id := range ids {
			if i > 0 {
				sb.WriteString(",")
			}

			sb.WriteString(`{"identifier":"` + id + `","period_start":"2023-01-01T00:00:00Z","period_end":"2023-01-01T00:30:00Z",` +
				`"period_type":"PT30M","value":12.5,"unit":"MW","revision":3,"payload":{"settlementPeriod":1}}`)
		}

		sb.WriteString(`]}`)
		_, _ = w.Write([]byte(sb.String()))
	})

	records, meta, err := a.Fetch(context.Background(), source.Query{
		Start:       time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC),
		Identifiers: []string{"A", "B", "C"},
	})
	require.NoError(t, err)

	assert.True(t, meta.Success)
	assert.Equal(t, 2, meta.APICalls)
	assert.ElementsMatch(t, []string{"A,B", "C"}, batches)
	require.Len(t, records, 3)
	assert.Equal(t, store.PeriodPT30M, records[0].PeriodType)
	assert.Equal(t, int64(3), records[0].Revision)
	assert.InDelta(t, 12.5, records[2].Value, 1e-9)
	assert.Equal(t, "elexon", a.Name())
}

func TestFetchErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		retryAfter    string
		wantRetryable bool
		wantDelay     time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", wantRetryable: true, wantDelay: 7 * time.Second},
		{name: "server error", status: http.StatusBadGateway, wantRetryable: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"unknown area"}`, wantRetryable: false},
		{name: "garbage body", status: http.StatusOK, body: `<html>`, wantRetryable: false},
		{name: "missing value", status: http.StatusOK, body: `{"records":[{"identifier":"A","period_start":"2023-01-01T00:00:00Z","period_type":"PT60M"}]}`, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, meta, err := a.Fetch(context.Background(), source.Query{Identifiers: []string{"A"}})
			require.Error(t, err)
			assert.False(t, meta.Success)
			assert.Equal(t, tt.wantRetryable, source.Retryable(err))
			assert.Equal(t, tt.wantDelay, source.RetryAfter(err))
		})
	}
}

func TestFetchPartialFailure(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"records":[{"identifier":"A","period_start":"2023-01-01T00:00:00Z","period_type":"PT60M","value":1}],` +
			`"errors":["B: upstream timeout"]}`))
	})

	records, meta, err := a.Fetch(context.Background(), source.Query{Identifiers: []string{"A", "B"}})
	require.NoError(t, err)
	assert.False(t, meta.Success)
	assert.Equal(t, []string{"B: upstream timeout"}, meta.Errors)
	assert.Len(t, records, 1)
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, (&Config{URL: "http://x", IdentifiersPerCall: 1}).Validate(), ErrNameRequired)
	assert.ErrorIs(t, (&Config{Name: "eia", IdentifiersPerCall: 1}).Validate(), ErrURLRequired)
	assert.ErrorIs(t, (&Config{Name: "eia", URL: "http://x"}).Validate(), ErrInvalidBatchSize)
	assert.NoError(t, (&Config{Name: "eia", URL: "http://x", IdentifiersPerCall: 1}).Validate())
}

func TestBatchIdentifiers(t *testing.T) {
	assert.Equal(t, [][]string{nil}, batchIdentifiers(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, batchIdentifiers([]string{"a", "b", "c", "d", "e"}, 2))
	assert.Equal(t, [][]string{{"a"}}, batchIdentifiers([]string{"a"}, 5))
}
