package goroutine

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger with its
// stack before being re-raised, since the terminal UI hides stderr.
func SafeGo(logger *log.Logger, fn func()) {
	go run(logger, fn)
}

// SafeGoWG is SafeGo tracked by wg
func SafeGoWG(logger *log.Logger, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(logger, fn)
	}()
}

func run(logger *log.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("PANIC: %v\n%s", r, debug.Stack())
			panic(r)
		}
	}()
	fn()
}
