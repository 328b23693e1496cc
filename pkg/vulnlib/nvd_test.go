package vulnlib

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/severity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nvdCVEBody = `{
  "resultsPerPage": 2,
  "vulnerabilities": [
    {"cve": {
      "id": "CVE-2024-1111",
      "published": "2024-03-01T12:00:00.000",
      "descriptions": [{"lang": "es", "value": "otro"}, {"lang": "en", "value": "Memory corruption"}],
      "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 8.8, "baseSeverity": "HIGH"}}]},
      "cisaExploitAdd": "2024-03-05",
      "cisaRequiredAction": "Apply mitigations."
    }},
    {"cve": {
      "id": "CVE-2010-2222",
      "metrics": {"cvssMetricV2": [{"cvssData": {"baseScore": 4.3}, "baseSeverity": "MEDIUM"}]}
    }},
    {"cve": {"descriptions": []}}
  ]
}`

func testClient(url string) *Client {
	c := NewClient("", 2*time.Second, 0)
	c.BaseURL = url
	c.BackoffBase = time.Millisecond
	c.RateLimitWait = time.Millisecond
	return c
}

func TestSearchCPE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cpes/2.0", r.URL.Path)
		assert.Equal(t, "firefox 100.0", r.URL.Query().Get("keywordSearch"))
		assert.Equal(t, "secret", r.Header.Get("apiKey"))
		w.Write([]byte(`{"products": [{"cpe": {"cpeName": "cpe:2.3:a:mozilla:firefox:100.0:*:*:*:*:*:*:*"}}, {"cpe": {}}]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.APIKey = "secret"

	got, err := c.SearchCPE(context.Background(), "firefox 100.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpe:2.3:a:mozilla:firefox:100.0:*:*:*:*:*:*:*"}, got)
}

func TestCVEsByCPE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cves/2.0", r.URL.Path)
		assert.Equal(t, "cpe:2.3:a:mozilla:firefox:100.0:*:*:*:*:*:*:*", r.URL.Query().Get("cpeName"))
		assert.Equal(t, "20", r.URL.Query().Get("resultsPerPage"))
		assert.Empty(t, r.Header.Get("apiKey"))
		w.Write([]byte(nvdCVEBody))
	}))
	defer srv.Close()

	recs, err := testClient(srv.URL).CVEsByCPE(context.Background(),
		cpe.NewApplication("mozilla", "firefox", "100.0"), 20)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "CVE-2024-1111", first.ID)
	assert.Equal(t, severity.High, first.Label)
	assert.Equal(t, "Memory corruption", first.Summary)
	assert.True(t, first.KnownExploited)
	assert.Equal(t, "Apply mitigations.", first.KEVAction)
	assert.Equal(t, "nvd", first.Source)
	require.NotNil(t, first.Score)
	assert.Equal(t, 8.8, *first.Score)

	second := recs[1]
	assert.Equal(t, severity.Medium, second.Label)
	assert.Equal(t, severity.SourceLabel, second.SeveritySource)
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"vulnerabilities": []}`))
	}))
	defer srv.Close()

	recs, err := testClient(srv.URL).CVEsByKeyword(context.Background(), "zoom", 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequestFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantCalls int32
	}{
		{name: "rateLimitedThrice", status: http.StatusTooManyRequests, wantErr: ErrRateLimited, wantCalls: 3},
		{name: "forbiddenWithoutKey", status: http.StatusForbidden, wantErr: ErrRateLimited, wantCalls: 3},
		{name: "serverError", status: http.StatusBadGateway, wantErr: ErrNVDResponse, wantCalls: 3},
		{name: "notFound", status: http.StatusNotFound, wantErr: ErrNVDResponse, wantCalls: 1},
		{name: "invalidJSON", status: http.StatusOK, body: "<html>", wantErr: ErrNVDResponse, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).SearchCPE(context.Background(), "zoom")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestTimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.Cli.Timeout = 20 * time.Millisecond

	_, err := c.SearchCPE(context.Background(), "zoom")
	assert.ErrorIs(t, err, ErrNetworkTimeout)
}

func TestCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.BackoffBase = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.SearchCPE(ctx, "zoom")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
