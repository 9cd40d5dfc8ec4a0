package hooks

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ryehq/rye-core/hooks/condition"
)

// Engine evaluates rules against fired events and returns the winning
// Action, falling back to built-in defaults when nothing matches.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine constructs an Engine from an initial rule set. Rules from
// multiple layers are merged and re-sorted by (layer desc, priority desc),
// matching the "leaf's permissions win" composition direction used
// elsewhere in directive resolution: directive-layer rules are considered
// before project, project before system.
func NewEngine(rules ...Rule) *Engine {
	e := &Engine{}
	e.Replace(rules)
	return e
}

// Replace swaps the engine's entire rule set, re-sorting by layer then
// priority, both descending.
func (e *Engine) Replace(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Layer != sorted[j].Layer {
			return sorted[i].Layer > sorted[j].Layer
		}
		return sorted[i].Priority > sorted[j].Priority
	})
	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Evaluate fires eventType with ctx against the rule set. The first rule
// (in layer-then-priority order) whose condition matches wins and its
// Action is returned. If nothing matches, ok is false and callers should
// apply their own built-in default for eventType.
func (e *Engine) Evaluate(eventType EventType, ctx condition.Context) (action Action, matchedRule string, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Event != eventType {
			continue
		}
		if r.matches(ctx) {
			return r.Action, r.Name, true
		}
	}
	return Action{}, "", false
}

// DefaultAction returns the built-in default action for an event when no
// hook rule matched: a retry action (3 attempts, exponential backoff) for
// errors, suspend on limit hit, compaction on context pressure >= 0.8.
// pressureRatio is only consulted for EventContextWindowPressure. For error
// events the Runner's tool-call path acts only on ActionAbort; it does not
// re-dispatch a failed call on ActionRetry.
func DefaultAction(eventType EventType, pressureRatio float64) Action {
	switch eventType {
	case EventError:
		return Action{Kind: ActionRetry, MaxAttempts: 3, Backoff: BackoffSpec{InitialSeconds: 1, Multiplier: 2}}
	case EventLimit:
		return Action{Kind: ActionSuspend}
	case EventContextWindowPressure:
		if pressureRatio >= 0.8 {
			return Action{Kind: ActionEmitEvent, EventName: "context_compaction_start"}
		}
		return Action{Kind: ActionContinue}
	default:
		return Action{Kind: ActionContinue}
	}
}

// Fired is a hook event as delivered to Observers: the event type plus the
// context it was evaluated against and the outcome.
type Fired struct {
	Event       EventType
	Context     condition.Context
	Action      Action
	MatchedRule string
}

// Observer reacts to every fired hook event, independent of rule matching;
// used for telemetry/audit sinks rather than control flow. Modeled on the
// teacher's Bus/Subscriber fan-out (goa-ai runtime/agent/hooks.Bus):
// synchronous delivery in registration order, first error halts the fan-out.
type Observer interface {
	ObserveHook(ctx context.Context, fired Fired) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, fired Fired) error

// ObserveHook implements Observer.
func (f ObserverFunc) ObserveHook(ctx context.Context, fired Fired) error { return f(ctx, fired) }

// Bus fans Fired events out to registered Observers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]Observer
	order       []*subscription // registration order
}

type subscription struct {
	bus  *Bus
	once sync.Once
}

// NewBus constructs an empty observer bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*subscription]Observer)}
}

// Publish delivers fired to every registered observer in registration
// order, stopping at the first error.
func (b *Bus) Publish(ctx context.Context, fired Fired) error {
	b.mu.RLock()
	obs := make([]Observer, 0, len(b.order))
	for _, s := range b.order {
		obs = append(obs, b.subscribers[s])
	}
	b.mu.RUnlock()
	for _, o := range obs {
		if err := o.ObserveHook(ctx, fired); err != nil {
			return err
		}
	}
	return nil
}

// Register adds an observer and returns a handle whose Close unregisters
// it; Close is idempotent.
func (b *Bus) Register(o Observer) (func() error, error) {
	if o == nil {
		return nil, errors.New("hooks: observer is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = o
	b.order = append(b.order, s)
	b.mu.Unlock()
	return func() error {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, s)
			for i, x := range b.order {
				if x == s {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
		return nil
	}, nil
}
