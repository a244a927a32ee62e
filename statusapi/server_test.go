package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qfwcore/bootmgr/conf"
	"github.com/qfwcore/bootmgr/device"
	"github.com/qfwcore/bootmgr/flash"
)

func testController(t *testing.T) *device.Controller {
	t.Helper()
	cfg := conf.NewDeviceConfig()
	cfg.Partitions = []conf.PartitionConfig{{TargetIdx: 0, FirstPage: 2, NumPages: 2}}
	cfg.NumTargets = 1
	driver := flash.NewMemDriver(4)
	c, err := device.NewController(driver, cfg)
	require.NoError(t, err)
	return c
}

func TestHealthzReturnsOK(t *testing.T) {
	s := NewServer(testController(t))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReportsPartitionsAndTargets(t *testing.T) {
	s := NewServer(testController(t))
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Partitions, 1)
	assert.Len(t, resp.Targets, 1)
	assert.False(t, resp.Partitions[0].AppPresent)
}

func TestStatusRejectsNonGET(t *testing.T) {
	s := NewServer(testController(t))
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
