package blockscheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const tipHeightEndpoint = "/blocks/tip/height"

type Option func(*service)

func WithTickerInterval(interval time.Duration) Option {
	return func(s *service) {
		s.tickerInterval = interval
	}
}

// service polls the esplora tip and runs tasks once their height is reached.
type service struct {
	tipURL         string
	httpClient     *http.Client
	lock           sync.Locker
	tasks          map[int64][]func()
	everyTasks     []func()
	lastTip        int64
	stopCh         chan struct{}
	stopOnce       sync.Once
	tickerInterval time.Duration
}

func NewScheduler(esploraURL string, opts ...Option) (ports.SchedulerService, error) {
	if len(esploraURL) == 0 {
		return nil, fmt.Errorf("esplora URL is required")
	}

	tipURL, err := url.JoinPath(esploraURL, tipHeightEndpoint)
	if err != nil {
		return nil, err
	}

	svc := &service{
		tipURL:         tipURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		lock:           &sync.Mutex{},
		tasks:          make(map[int64][]func()),
		stopCh:         make(chan struct{}),
		tickerInterval: time.Second * 10,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

func (s *service) Start() {
	go func() {
		ticker := time.NewTicker(s.tickerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				tasks, err := s.popTasks()
				if err != nil {
					log.Errorf("error fetching tasks: %s", err)
					continue
				}

				log.Debugf("fetched %d tasks", len(tasks))
				for _, task := range tasks {
					go task()
				}
			}
		}
	}()
}

func (s *service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *service) Unit() ports.TimeUnit {
	return ports.BlockHeight
}

func (s *service) Now() (int64, error) {
	return s.fetchTipHeight()
}

func (s *service) Every(task func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.everyTasks = append(s.everyTasks, task)
	return nil
}

func (s *service) ScheduleTaskOnce(at int64, task func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.tasks[at]; !ok {
		s.tasks[at] = make([]func(), 0)
	}

	s.tasks[at] = append(s.tasks[at], task)

	return nil
}

// popTasks returns the tasks due at the current tip, plus the recurring ones if the
// tip moved since the last tick.
func (s *service) popTasks() ([]func(), error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	tip, err := s.fetchTipHeight()
	if err != nil {
		return nil, err
	}

	tasks := make([]func(), 0)
	if tip > s.lastTip {
		tasks = append(tasks, s.everyTasks...)
		s.lastTip = tip
	}

	for height, heightTasks := range s.tasks {
		if height > tip {
			continue
		}

		tasks = append(tasks, heightTasks...)
		delete(s.tasks, height)
	}

	return tasks, nil
}

func (s *service) fetchTipHeight() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tipURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}

	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var tip int64
	if _, err := fmt.Fscanf(resp.Body, "%d", &tip); err != nil {
		return 0, err
	}

	log.Debugf("fetching tip height from %s, got %d", s.tipURL, tip)

	return tip, nil
}
