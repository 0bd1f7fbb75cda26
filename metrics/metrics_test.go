package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSyncRecorderCountsRunsAndUsers(t *testing.T) {
	before := testutil.ToFloat64(syncRuns.WithLabelValues("serviceAccount", "failure"))
	addedBefore := testutil.ToFloat64(syncUsers.WithLabelValues("added"))

	SyncRecorder{}.SyncFinished("serviceAccount", false, 2*time.Second, map[string]int{"added": 3, "errors": 0})

	assert.Equal(t, before+1, testutil.ToFloat64(syncRuns.WithLabelValues("serviceAccount", "failure")))
	assert.Equal(t, addedBefore+3, testutil.ToFloat64(syncUsers.WithLabelValues("added")))
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument("/check-service-account", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/check-service-account", "418"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/check-service-account", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/check-service-account", "418")))
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInFlight))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
