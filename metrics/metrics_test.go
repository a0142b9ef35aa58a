package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}

func TestSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed("read_error")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsClosed.WithLabelValues("read_error")))
}

func TestLabelledCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.AuthRejected("expired")
	c.FrameReceived("message")
	c.FrameReceived("message")
	c.FrameRejected("invalid_json")
	c.SendFailure()
	c.PersistenceFailure("append")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.authRejected.WithLabelValues("expired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesIn.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesRejected.WithLabelValues("invalid_json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeFailures.WithLabelValues("append")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.storeFailures.WithLabelValues("page")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Broadcast(3)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lineweb_broadcast_recipients_count 1")
	assert.Contains(t, string(body), "lineweb_sessions 0")
}
