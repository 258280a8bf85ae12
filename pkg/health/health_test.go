package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessAlwaysHealthy(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestReadinessAllPassing(t *testing.T) {
	checks := Checks{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestReadinessOneFailing(t *testing.T) {
	checks := Checks{
		"postgres": func(context.Context) error { return nil },
		"jobs":     func(context.Context) error { return errors.New("not started") },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["postgres"].Status)
	assert.Equal(t, "not started", resp.Checks["jobs"].Error)
}

func TestReadinessTimeout(t *testing.T) {
	checks := Checks{
		"slow": func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		},
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks, WithTimeout(20*time.Millisecond))(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessNoChecks(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadinessHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
