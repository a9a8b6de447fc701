package main

import (
	"context"
	"os"
	"sync"

	"github.com/iamthamanic/multiagentultra/internal/logging"
)

// watchShutdownSignals calls graceful on the first signal and abort on the
// second, which cuts the drain of subscribers and crew sessions short. Later
// signals are logged only. The returned func stops the watcher.
func watchShutdownSignals(logger *logging.Logger, graceful, abort context.CancelFunc, signalCh <-chan os.Signal) func() {
	if signalCh == nil {
		return func() {}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	done := make(chan struct{})
	go func() {
		received := 0
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signalCh:
				if !ok {
					return
				}
				received++
				fields := map[string]string{}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				switch received {
				case 1:
					logger.Info("shutdown signal received; draining", fields)
					if graceful != nil {
						graceful()
					}
				case 2:
					logger.Warn("second shutdown signal; aborting drain", fields)
					if abort != nil {
						abort()
					}
				default:
					logger.Info("shutdown already aborting; ignoring signal", fields)
				}
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() { close(done) })
	}
}
