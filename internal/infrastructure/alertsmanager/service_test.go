package alertsmanager_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/alertsmanager"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	message := map[string]string{
		"withdrawal_id": "w-1",
		"chain":         "TRX",
		"asset":         "USDT-TRC20",
		"total":         "11",
		"txid":          "",
		"reason":        "broadcast timed out",
	}

	t.Run("sends alert", func(t *testing.T) {
		var received []alertsmanager.Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(server.Close)

		svc := alertsmanager.NewService(server.URL)
		err := svc.Publish(context.Background(), ports.AmbiguousBroadcast, message)
		require.NoError(t, err)

		require.Len(t, received, 1)
		alert := received[0]
		require.Equal(t, string(ports.AmbiguousBroadcast), alert.Labels["alertname"])
		require.Equal(t, "custodyd", alert.Labels["service"])
		require.Equal(t, "warning", alert.Labels["severity"])
		require.Equal(t, "w-1", alert.Labels["withdrawal_id"])
		require.Equal(t, "TRX", alert.Labels["chain"])
		require.Contains(t, alert.Annotations["description"], "• reason: broadcast timed out")
		require.NotContains(t, alert.Annotations["description"], "txid")
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(server.Close)

		svc := alertsmanager.NewService(server.URL, alertsmanager.WithBaseDelay(time.Millisecond))
		err := svc.Publish(context.Background(), ports.ReconciliationRequired, message)
		require.NoError(t, err)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(server.Close)

		svc := alertsmanager.NewService(server.URL, alertsmanager.WithBaseDelay(time.Millisecond))
		err := svc.Publish(context.Background(), ports.TxFailedOnChain, message)
		require.Error(t, err)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		svc := alertsmanager.NewService(server.URL, alertsmanager.WithBaseDelay(time.Millisecond))
		err := svc.Publish(context.Background(), ports.TxFailedOnChain, message)
		require.Error(t, err)
		require.Equal(t, int32(5), calls.Load())
	})
}
