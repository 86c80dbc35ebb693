package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/internal/qps"
	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

func newTestServer(t *testing.T, rules map[string]string) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()

	rt, err := newRuntime(config.GovernanceConfig{ServiceName: "orders"}, config.NewMemorySource(rules), registry, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(newAdminHandler(rt, registry, logger))
	t.Cleanup(srv.Close)
	return srv
}

func postCheck(t *testing.T, srv *httptest.Server, body string) (*http.Response, checkResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/governance/check", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out checkResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusTooManyRequests {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckRateLimiting(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"servicecomb.matchGroup.hello":   "matches:\n  - apiPath:\n      prefix: /hello\n",
		"servicecomb.rateLimiting.hello": "rate: 1\nlimitRefreshPeriod: 1m\n",
	})
	body := `{"method":"GET","apiPath":"/hello/world"}`

	resp, out := postCheck(t, srv, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Allowed)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, out = postCheck(t, srv, body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, out.Allowed)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	var rejected []string
	for _, d := range out.Decisions {
		if d.Outcome == telemetry.OutcomeRejected {
			rejected = append(rejected, d.Kind)
		}
	}
	assert.Equal(t, []string{"rateLimiting"}, rejected)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "servicecomb_rate_limiting_available_permits")
}

func TestCheckQPS(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"servicecomb.flowcontrol.Consumer.qps.limit.pojo.server": "0",
	})
	body := `{"serviceName":"pojo","schemaId":"server","operationId":"test","role":"Consumer"}`

	resp, out := postCheck(t, srv, body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	last := out.Decisions[len(out.Decisions)-1]
	assert.Equal(t, qps.KindFlowControl, last.Kind)
	assert.Equal(t, "pojo.server", last.Key)
	assert.Equal(t, telemetry.OutcomeRejected, last.Outcome)

	resp, _ = postCheck(t, srv, `{"serviceName":"pojo","schemaId":"server","operationId":"test"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := postCheck(t, srv, `{"apiPath":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postCheck(t, srv, `{"apiPath":"/x","role":"Sidecar"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `servicecomb:
  bulkhead:
    good:
      maxConcurrentCalls: 2
    bad:
      maxConcurrentCalls: -1
  flowcontrol:
    Provider:
      qps:
        limit:
          pojo: 10
  unrelated: value
`
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 invalid")
	assert.Contains(t, out.String(), "ok       servicecomb.bulkhead.good")
	assert.Contains(t, out.String(), "invalid  servicecomb.bulkhead.bad")
	assert.Contains(t, out.String(), "ok       servicecomb.flowcontrol.Provider.qps.limit.pojo")
	assert.Contains(t, out.String(), "ignored  servicecomb.unrelated")
}

func TestValidateRulesAllValid(t *testing.T) {
	var out bytes.Buffer
	invalid := validateRules(&out, map[string]string{
		"servicecomb.retry.r1":                         "maxAttempts: 2\n",
		"servicecomb.flowcontrol.strategy":             "TokenBucket",
		"servicecomb.flowcontrol.Provider.qps.enabled": "true",
	})
	assert.Zero(t, invalid)
	assert.Equal(t, 3, strings.Count(out.String(), "ok "))
}
