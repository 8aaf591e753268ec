package ports

type TimeUnit int

const (
	UnixTime TimeUnit = iota
	BlockHeight
)

type SchedulerService interface {
	Start()
	Stop()
	Unit() TimeUnit
	// Now returns the current unix time or tip height, depending on the unit.
	Now() (int64, error)
	// Every runs task at every tick: each interval for time based schedulers, each new
	// tip for block based ones.
	Every(task func()) error
	ScheduleTaskOnce(at int64, task func()) error
}
