package recharge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tankwatch/internal/models"
)

func TestScheduleAutomatic_Success(t *testing.T) {
	var received ScheduleRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/recharges/automatic", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ScheduleResponse{
			RechargeID:    "recharge-1",
			Status:        "scheduled",
			ScheduledDate: "2026-09-02T10:00:00Z",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())

	tank := &models.Tank{
		TankID:             "tank-1",
		CapacityLiters:     300,
		CurrentLevelLiters: 27,
	}

	resp, err := client.ScheduleAutomatic(tank)

	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "recharge-1", resp.RechargeID)
	assert.Equal(t, "scheduled", resp.Status)

	// 预估补给量 = 容量 - 当前液位
	assert.Equal(t, "tank-1", received.TankID)
	assert.Equal(t, 273.0, received.EstimatedQuantityLiters)
	assert.Equal(t, "system", received.RequestedBy)
}

func TestScheduleAutomatic_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())

	resp, err := client.ScheduleAutomatic(&models.Tank{TankID: "tank-1", CapacityLiters: 300})

	assert.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "500")
}

func TestScheduleAutomatic_NilTank(t *testing.T) {
	client := NewClient("http://localhost:0", zap.NewNop())

	resp, err := client.ScheduleAutomatic(nil)

	assert.Error(t, err)
	assert.Nil(t, resp)
}
