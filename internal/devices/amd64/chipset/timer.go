package chipset

import (
	"sync"
	"time"
)

// timerHandle tracks a cancellable timer callback.
type timerHandle interface {
	Stop()
}

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

// timerFactory schedules cb after period, and every period after that when
// periodic is set.
type timerFactory func(period time.Duration, periodic bool, cb func()) timerHandle

func defaultTimerFactory(period time.Duration, periodic bool, cb func()) timerHandle {
	if period <= 0 || cb == nil {
		return nil
	}

	if !periodic {
		t := time.AfterFunc(period, cb)
		return timerHandleFunc(func() { t.Stop() })
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb()
			case <-stop:
				return
			}
		}
	}()

	return timerHandleFunc(func() {
		once.Do(func() { close(stop) })
	})
}
