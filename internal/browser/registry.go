package browser

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	registryMu sync.Mutex
	launched   = map[*Process]struct{}{}
)

func register(p *Process) {
	registryMu.Lock()
	launched[p] = struct{}{}
	registryMu.Unlock()
}

func unregister(p *Process) {
	registryMu.Lock()
	delete(launched, p)
	registryMu.Unlock()
}

// Running reports how many launched browsers are still registered.
func Running() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(launched)
}

// CloseAll kills every browser this process launched. Deferred by the CLI.
func CloseAll() {
	registryMu.Lock()
	procs := make([]*Process, 0, len(launched))
	for p := range launched {
		procs = append(procs, p)
	}
	registryMu.Unlock()
	for _, p := range procs {
		p.Kill()
	}
}

// InstallSignalCleanup kills launched browsers if they are still registered
// grace after SIGINT or SIGTERM. The runner closes its session during
// finalization, so this only catches a shutdown that overruns grace. The
// returned function uninstalls the handler.
func InstallSignalCleanup(grace time.Duration) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	uninstall := watchSignals(sigs, grace, CloseAll)
	return func() {
		signal.Stop(sigs)
		uninstall()
	}
}

func watchSignals(sigs <-chan os.Signal, grace time.Duration, cleanup func()) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-sigs:
		case <-stop:
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cleanup()
		case <-stop:
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}
