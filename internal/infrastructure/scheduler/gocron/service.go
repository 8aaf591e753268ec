package timescheduler

import (
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

const defaultTickInterval = 30 * time.Second

type Option func(*service)

// WithTickInterval sets how often tasks registered with Every run.
func WithTickInterval(interval time.Duration) Option {
	return func(s *service) {
		s.tickInterval = interval
	}
}

type service struct {
	scheduler    *gocron.Scheduler
	tickInterval time.Duration
}

func NewScheduler(opts ...Option) ports.SchedulerService {
	svc := &service{
		scheduler:    gocron.NewScheduler(time.UTC),
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

func (s *service) Unit() ports.TimeUnit {
	return ports.UnixTime
}

func (s *service) Now() (int64, error) {
	return time.Now().Unix(), nil
}

func (s *service) Every(task func()) error {
	if s.tickInterval <= 0 {
		return fmt.Errorf("invalid tick interval %s", s.tickInterval)
	}
	_, err := s.scheduler.Every(s.tickInterval).SingletonMode().WaitForSchedule().Do(task)
	return err
}

func (s *service) ScheduleTaskOnce(at int64, task func()) error {
	delay := at - time.Now().Unix()
	if delay <= 0 {
		log.Debugf("task scheduled at %d is due, running it now", at)
		go task()
		return nil
	}

	_, err := s.scheduler.Every(int(delay)).Seconds().WaitForSchedule().LimitRunsTo(1).Do(task)
	return err
}
