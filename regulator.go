package adaptivegc

import (
	"fmt"
	"sync"
	"time"
)

// A Regulator polls a heuristic at a fixed frequency and invokes the
// collector's start-cycle callback when a trigger fires. It is a thin shim
// for embedders that do not already run a control thread of their own; the
// heuristic itself remains directly usable without it.
type Regulator struct {
	lk      sync.Mutex
	running bool
	closing chan struct{}
	wg      sync.WaitGroup

	heuristic *Adaptive
	frequency time.Duration
	startGC   func(Trigger)

	notifeeMutex sync.Mutex
	notifees     []notifeeEntry
}

type notifeeEntry struct {
	id int
	f  func(Trigger)
}

// NewRegulator wraps the heuristic in a polling loop. startGC is called on
// the regulator goroutine every time a trigger fires; it should hand the
// cycle off and return promptly.
func NewRegulator(heuristic *Adaptive, frequency time.Duration, startGC func(Trigger)) (*Regulator, error) {
	if frequency <= 0 {
		return nil, fmt.Errorf("cannot use non-positive polling frequency %s", frequency)
	}
	if startGC == nil {
		return nil, fmt.Errorf("cannot use nil start-cycle callback")
	}
	return &Regulator{
		heuristic: heuristic,
		frequency: frequency,
		startGC:   startGC,
	}, nil
}

// RegisterNotifee registers a function that is called, after the start-cycle
// callback, every time a trigger fires. The unregister function returned can
// be used to unregister this notifee.
func (r *Regulator) RegisterNotifee(f func(Trigger)) (unregister func()) {
	r.notifeeMutex.Lock()
	defer r.notifeeMutex.Unlock()

	var id int
	if len(r.notifees) > 0 {
		id = r.notifees[len(r.notifees)-1].id + 1
	}
	r.notifees = append(r.notifees, notifeeEntry{id: id, f: f})

	return func() {
		r.notifeeMutex.Lock()
		defer r.notifeeMutex.Unlock()

		for i, entry := range r.notifees {
			if entry.id == id {
				r.notifees = append(r.notifees[:i], r.notifees[i+1:]...)
			}
		}
	}
}

func (r *Regulator) notifyTrigger(cause Trigger) {
	r.notifeeMutex.Lock()
	defer r.notifeeMutex.Unlock()
	for _, entry := range r.notifees {
		entry.f(cause)
	}
}

// ErrAlreadyStarted is returned when the regulator is started more than
// once.
var ErrAlreadyStarted = fmt.Errorf("regulator was already started")

// Start launches the polling loop.
func (r *Regulator) Start() error {
	r.lk.Lock()
	defer r.lk.Unlock()

	if r.running {
		return ErrAlreadyStarted
	}
	r.running = true
	r.closing = make(chan struct{})

	r.wg.Add(1)
	go r.poll()
	return nil
}

// Stop terminates the polling loop and waits for it to exit.
func (r *Regulator) Stop() {
	r.lk.Lock()
	defer r.lk.Unlock()

	if !r.running {
		return
	}
	close(r.closing)
	r.wg.Wait()
	r.running = false
}

func (r *Regulator) poll() {
	log := r.heuristic.log

	// backstop: if the loop itself dies, log it and release the running
	// flag so the regulator can be started again. Callback panics never
	// get this far; tick recovers them.
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("REGULATOR PANICKED: %v; polling loop terminated", p)
			r.lk.Lock()
			r.running = false
			r.lk.Unlock()
		}
	}()
	defer r.wg.Done()

	clk := r.heuristic.clk

	// initialize an empty timer.
	timer := clk.Timer(0)
	stopTimer := func() {
		if !timer.Stop() {
			<-timer.C
		}
	}

	for {
		timer.Reset(r.frequency)

		select {
		case <-timer.C:
			r.tick()

		case <-r.closing:
			stopTimer()
			return
		}
	}
}

// tick runs one trigger evaluation. A panicking start-cycle callback or
// notifee is recovered and logged here so a single bad callback does not
// kill the polling loop.
func (r *Regulator) tick() {
	defer func() {
		if p := recover(); p != nil {
			r.heuristic.log.Errorf("REGULATOR PANICKED: %v; recovered, polling continues", p)
		}
	}()

	if !r.heuristic.ShouldStartGC() {
		return
	}
	cause := r.heuristic.lastTrigger
	r.startGC(cause)
	r.notifyTrigger(cause)
}
