package compositor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// HotplugEvent is a typed connector-state change, spec.md §4.E/§9
// Non-goals: "no uevent-string decoding ... exposes only typed
// connector-state changes."
type HotplugEvent struct {
	Display   string
	Connected bool
	ReleaseTo uint32
}

// ESDEvent requests recovery on one display.
type ESDEvent struct {
	Display string
}

// Supervisor owns the shared hotplug and ESD event threads of spec.md
// §4.D's scheduling model ("shared event threads (vsync, page-flip-
// event, hotplug)"), dispatching each event to its PhysicalDisplay.
// Concurrent events addressed to different displays are handled in
// parallel via errgroup, so one display's flush/recovery never stalls
// another's.
type Supervisor struct {
	log      *slog.Logger
	displays map[string]*PhysicalDisplay

	hotplug chan HotplugEvent
	esd     chan ESDEvent
	done    chan struct{}
}

// NewSupervisor creates a supervisor for the given named displays.
func NewSupervisor(displays map[string]*PhysicalDisplay, log *slog.Logger) *Supervisor {
	return &Supervisor{
		log:      defaultLogger(log),
		displays: displays,
		hotplug:  make(chan HotplugEvent, 16),
		esd:      make(chan ESDEvent, 16),
		done:     make(chan struct{}),
	}
}

// Hotplug submits a connector-state change for dispatch.
func (s *Supervisor) Hotplug(e HotplugEvent) {
	select {
	case s.hotplug <- e:
	case <-s.done:
	}
}

// ESD submits a recovery request for dispatch.
func (s *Supervisor) ESD(e ESDEvent) {
	select {
	case s.esd <- e:
	case <-s.done:
	}
}

// Run drains both event channels until ctx is cancelled or Stop is
// called, dispatching a batch of pending events concurrently (one
// goroutine per display) before waiting for the next batch.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case e := <-s.hotplug:
			s.dispatchBatch(ctx, e, nil)
		case e := <-s.esd:
			s.dispatchBatch(ctx, HotplugEvent{}, &e)
		}
	}
}

// dispatchBatch handles one event plus anything else already queued at
// the moment it was picked up, fanning out across displays with
// errgroup so a slow flush on one display doesn't delay ESD recovery
// on another.
func (s *Supervisor) dispatchBatch(ctx context.Context, first HotplugEvent, firstESD *ESDEvent) {
	g, gctx := errgroup.WithContext(ctx)

	if firstESD != nil {
		s.dispatchESD(g, *firstESD)
	} else {
		s.dispatchHotplug(g, gctx, first)
	}

drain:
	for {
		select {
		case e := <-s.hotplug:
			s.dispatchHotplug(g, gctx, e)
		case e := <-s.esd:
			s.dispatchESD(g, e)
		default:
			break drain
		}
	}

	if err := g.Wait(); err != nil {
		s.log.Warn("supervisor batch had errors", "err", err)
	}
}

func (s *Supervisor) dispatchHotplug(g *errgroup.Group, ctx context.Context, e HotplugEvent) {
	d, ok := s.displays[e.Display]
	if !ok {
		return
	}
	g.Go(func() error {
		if e.Connected {
			d.queue.QueueEvent(Event{
				Kind:       EventStartup,
				Connection: Connection{Connected: true, HasPipe: true},
				IsNew:      true,
			})
			return nil
		}
		return d.HandleHotplugDisconnect(ctx, e.ReleaseTo, 2*time.Second)
	})
}

func (s *Supervisor) dispatchESD(g *errgroup.Group, e ESDEvent) {
	d, ok := s.displays[e.Display]
	if !ok {
		return
	}
	g.Go(func() error {
		d.RequestRecovery()
		return nil
	})
}

// Stop terminates Run.
func (s *Supervisor) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
