package scheduler_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
	blockscheduler "github.com/arkade-os/custodyd/internal/infrastructure/scheduler/block"
	timescheduler "github.com/arkade-os/custodyd/internal/infrastructure/scheduler/gocron"
	"github.com/stretchr/testify/require"
)

type service struct {
	name      string
	scheduler ports.SchedulerService
}

func TestScheduleTask(t *testing.T) {
	t.Parallel()

	svcs := servicesToTest(t)

	for _, svc := range svcs {
		t.Run(svc.name, func(t *testing.T) {
			now, err := svc.scheduler.Now()
			require.NoError(t, err)

			var called atomic.Bool
			err = svc.scheduler.ScheduleTaskOnce(now+2, func() {
				called.Store(true)
			})
			require.NoError(t, err)

			require.Eventually(t, called.Load, 5*time.Second, 100*time.Millisecond)
		})
	}
}

func TestScheduleTaskInThePast(t *testing.T) {
	t.Parallel()

	svc := timescheduler.NewScheduler()
	svc.Start()
	t.Cleanup(svc.Stop)

	var called atomic.Bool
	err := svc.ScheduleTaskOnce(time.Now().Unix()-10, func() {
		called.Store(true)
	})
	require.NoError(t, err)
	require.Eventually(t, called.Load, time.Second, 10*time.Millisecond)
}

func TestEvery(t *testing.T) {
	t.Parallel()

	svcs := servicesToTest(t)

	for _, svc := range svcs {
		t.Run(svc.name, func(t *testing.T) {
			var ticks atomic.Int32
			err := svc.scheduler.Every(func() {
				ticks.Add(1)
			})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return ticks.Load() >= 2
			}, 5*time.Second, 100*time.Millisecond)
		})
	}
}

func servicesToTest(t *testing.T) []service {
	// mock esplora server for block tip endpoint
	var blockHeight int64 = 99
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/blocks/tip/height" {
			w.WriteHeader(http.StatusOK)
			height := atomic.AddInt64(&blockHeight, 1)
			// nolint:errcheck
			fmt.Fprintf(w, "%d", height)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(func() {
		mockServer.Close()
	})

	blockService, err := blockscheduler.NewScheduler(
		mockServer.URL,
		blockscheduler.WithTickerInterval(time.Second*1),
	)
	if err != nil {
		t.Fatalf("failed to create block scheduler: %v", err)
	}

	svcs := []service{
		{
			name:      "gocron",
			scheduler: timescheduler.NewScheduler(timescheduler.WithTickInterval(time.Second)),
		},
		{name: "block", scheduler: blockService},
	}

	for _, svc := range svcs {
		require.NotNil(t, svc.scheduler)
		svc.scheduler.Start()
		t.Cleanup(func() { svc.scheduler.Stop() })
	}

	return svcs
}
