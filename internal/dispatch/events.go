package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "modbot/pkg/logx"

	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/module"
	"modbot/internal/platform"
)

// WildcardEventType subscribes a handler to every platform event.
const WildcardEventType = "all"

type eventEntry struct {
	d   *module.Descriptor
	seq uint64 // registration order, tiebreaker for equal priorities
}

// EventRegistry indexes event handlers by the platform-event types they
// subscribe to, plus the "all" wildcard.
type EventRegistry struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string]*eventEntry // key: lower-cased name
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{entries: map[string]*eventEntry{}}
}

func (r *EventRegistry) Register(d *module.Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("invalid descriptor")
	}
	lower := strings.ToLower(d.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[lower]; ok {
		// Replace in place, keeping the original registration order so a
		// reload doesn't shuffle equal-priority handlers.
		old.d = d
		return nil
	}
	r.seq++
	r.entries[lower] = &eventEntry{d: d, seq: r.seq}
	return nil
}

func (r *EventRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.entries, strings.ToLower(name))
	r.mu.Unlock()
}

func (r *EventRegistry) Get(name string) *module.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return e.d
}

func (r *EventRegistry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.d.Name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *EventRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CandidatesFor returns the enabled handlers subscribed to eventType or the
// wildcard, sorted by priority descending. The sort is deterministic: equal
// priorities keep registration order.
func (r *EventRegistry) CandidatesFor(eventType string) []*module.Descriptor {
	r.mu.RLock()
	matched := make([]*eventEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.d.Enabled {
			continue
		}
		if subscribes(e.d.EventTypes, eventType) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].d.Priority != matched[j].d.Priority {
			return matched[i].d.Priority > matched[j].d.Priority
		}
		return matched[i].seq < matched[j].seq
	})

	out := make([]*module.Descriptor, len(matched))
	for i, e := range matched {
		out[i] = e.d
	}
	return out
}

func subscribes(types []string, eventType string) bool {
	for _, t := range types {
		if t == WildcardEventType || strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}

// EventDispatcher fans one platform event out to every matching handler,
// sequentially and isolated, optionally after a humanizer delay.
type EventDispatcher struct {
	reg   *EventRegistry
	cfg   func() *config.Config
	api   platform.API
	log   logx.Logger
	stats *Stats
	maint *Maintenance
	bus   eventbus.Bus

	humanizer *Humanizer

	handle module.RegistryHandle
}

type EventDispatcherOptions struct {
	Registry *EventRegistry
	Config   func() *config.Config
	API      platform.API
	Logger   logx.Logger
	Stats    *Stats
	Maint    *Maintenance
	Bus      eventbus.Bus
}

func NewEventDispatcher(opts EventDispatcherOptions) *EventDispatcher {
	d := &EventDispatcher{
		reg:       opts.Registry,
		cfg:       opts.Config,
		api:       opts.API,
		log:       opts.Logger,
		stats:     opts.Stats,
		maint:     opts.Maint,
		bus:       opts.Bus,
		humanizer: NewHumanizer(),
	}
	if d.stats == nil {
		d.stats = NewStats(0)
	}
	if d.maint == nil {
		d.maint = NewMaintenance(false, "", 0)
	}
	return d
}

func (ed *EventDispatcher) SetHandle(h module.RegistryHandle) { ed.handle = h }

func (ed *EventDispatcher) Registry() *EventRegistry { return ed.reg }

// Dispatch runs all matching handlers for ev. Unlike commands, maintenance
// mode silences event dispatch entirely, with no notification.
func (ed *EventDispatcher) Dispatch(ctx context.Context, ev *platform.Event) {
	if ev == nil || ev.Type == "" {
		return
	}
	cfg := ed.cfg()
	if cfg == nil {
		return
	}

	if ed.maint.Active() {
		return
	}
	if ev.IsGroup && !cfg.Events.GroupAllowed() {
		return
	}
	if !ev.IsGroup && !cfg.Events.DMAllowed() {
		return
	}

	candidates := ed.reg.CandidatesFor(ev.Type)
	if len(candidates) == 0 {
		return
	}

	// The delay suspends only this trigger's goroutine; independent
	// triggers keep flowing.
	if cfg.Events.Humanize.Enabled && ev.Subtype != "" {
		delay := ed.humanizer.Delay(cfg.Events.Humanize, ev.Subtype, time.Now())
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	isSuper := containsID(cfg.Access.SuperAdmins, ev.SenderID)
	isAdmin := isSuper || containsID(cfg.Access.Admins, ev.SenderID)

	for _, d := range candidates {
		ed.stats.Triggered.Add(1)
		mc := &module.Context{
			API:          ed.api,
			Event:        ev,
			Config:       cfg,
			Logger:       ed.log.With(logx.String("handler", d.Name)),
			IsAdmin:      isAdmin,
			IsSuperAdmin: isSuper,
			Registry:     ed.handle,
		}
		if err := safeExecute(ctx, d.Execute, mc); err != nil {
			ed.stats.Failed.Add(1)
			if !ed.log.IsZero() {
				ed.log.Warn("event handler failed",
					logx.String("handler", d.Name),
					logx.String("event", ev.Type),
					logx.Err(err),
				)
			}
			if ed.bus != nil {
				ed.bus.Publish(eventbus.Event{
					Type: "dispatch.failed",
					Data: map[string]string{"module": d.Name, "event": ev.Type},
				})
			}
			continue
		}
		ed.stats.Executed.Add(1)
		ed.stats.TouchModule(d.Name)
	}
}
