// Package dispatch implements the Tool Dispatcher: space-scoped item
// resolution, signature verification, executor chaining, and the two
// primitive executors (subprocess, http_client) every chain eventually
// bottoms out at.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/telemetry"
)

// Space is one of the three priority-ordered item spaces.
type Space string

const (
	SpaceProject Space = "project"
	SpaceUser    Space = "user"
	SpaceSystem  Space = "system"
)

// spaceOrder is resolution priority, highest first: project shadows user
// shadows system.
var spaceOrder = []Space{SpaceProject, SpaceUser, SpaceSystem}

// Item is one resolved tool/runtime/executor definition.
type Item struct {
	Space      Space
	ItemType   string
	DottedID   string
	ExecutorID string // references another item by dotted id, empty for primitives
	Params     map[string]any
	Body       []byte // raw item content, signed
	Signature  ItemSignature
}

// ItemSignature is the integrity header every item carries.
type ItemSignature struct {
	Timestamp      string
	ContentSHA256  string
	Signature      []byte
	KeyFingerprint string
}

// Result is the outcome of a dispatch, returned as data rather than an
// error so capability denials and integrity failures can be injected as a
// tool-result message without terminating the thread.
type Result struct {
	OK     bool
	Data   any
	Denied bool
	Reason string
	Err    error
}

// Store resolves items by (item_type, dotted_id) within one space. Concrete
// implementations read from the filesystem layout
// `<space>/<item_type>/<dotted_id>.<ext>`.
type Store interface {
	Lookup(space Space, itemType, dottedID string) (Item, bool, error)
}

// Executor runs a resolved Item's primitive action.
type Executor interface {
	Execute(ctx context.Context, item Item, params map[string]any) (any, error)
}

// TrustPolicy decides whether an unsigned or integrity-failing item is
// nonetheless allowed to run, per-space.
type TrustPolicy func(space Space) (allowUnsigned bool)

// DenyAllUnsigned is the conservative default TrustPolicy.
func DenyAllUnsigned(Space) bool { return false }

// Dispatcher resolves, verifies, and executes tool/runtime items.
type Dispatcher struct {
	stores    map[Space]Store
	verifier  capability.Signer
	trust     TrustPolicy
	executors map[string]Executor // primitive executor id -> Executor (e.g. "subprocess", "http_client")

	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds a Dispatcher. verifier may be nil to skip signature checks on
// signed items (only appropriate in tests); unsigned items still go through
// trust, which defaults to DenyAllUnsigned when nil.
func New(stores map[Space]Store, verifier capability.Signer, trust TrustPolicy, primitives map[string]Executor) *Dispatcher {
	if trust == nil {
		trust = DenyAllUnsigned
	}
	return &Dispatcher{
		stores: stores, verifier: verifier, trust: trust, executors: primitives,
		metrics: telemetry.NewNoopMetrics(), tracer: telemetry.NewNoopTracer(),
	}
}

// SetTelemetry wires a Metrics recorder and Tracer into the Dispatcher,
// replacing the no-op defaults New installs. Either argument may be nil to
// leave that collaborator as a no-op.
func (d *Dispatcher) SetTelemetry(metrics telemetry.Metrics, tracer telemetry.Tracer) {
	if metrics != nil {
		d.metrics = metrics
	}
	if tracer != nil {
		d.tracer = tracer
	}
}

// Dispatch resolves item_type/dotted_id across spaces (project, then user,
// then system; first match wins), verifies the capability token against the
// canonical action string, verifies the item's signature, resolves the
// executor chain (detecting loops), and executes.
func (d *Dispatcher) Dispatch(ctx context.Context, token *capability.Token, primary capability.Primary, itemType, dottedID string, params map[string]any) Result {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	tags := []string{"item_type", itemType, "dotted_id", dottedID}

	action := capability.Action(primary, itemType, dottedID)
	if capability.Check(token, action) != capability.Allow {
		d.metrics.IncCounter("rye.dispatch.denied", 1, tags...)
		return Result{Denied: true, Reason: fmt.Sprintf("permission denied: %s", action)}
	}

	item, space, err := d.resolve(itemType, dottedID)
	if err != nil {
		span.RecordError(err)
		d.metrics.IncCounter("rye.dispatch.errors", 1, tags...)
		return Result{Err: err}
	}

	if err := d.verifyIntegrity(item, space); err != nil {
		span.RecordError(err)
		d.metrics.IncCounter("rye.dispatch.errors", 1, tags...)
		return Result{Err: err}
	}

	out, err := d.executeChain(ctx, item, params, nil)
	if err != nil {
		span.RecordError(err)
		d.metrics.IncCounter("rye.dispatch.errors", 1, tags...)
		return Result{Err: err}
	}
	d.metrics.IncCounter("rye.dispatch.ok", 1, tags...)
	return Result{OK: true, Data: out}
}

func (d *Dispatcher) resolve(itemType, dottedID string) (Item, Space, error) {
	for _, space := range spaceOrder {
		store, ok := d.stores[space]
		if !ok {
			continue
		}
		item, found, err := store.Lookup(space, itemType, dottedID)
		if err != nil {
			return Item{}, "", err
		}
		if found {
			return item, space, nil
		}
	}
	return Item{}, "", fmt.Errorf("dispatch: no item %s.%s found in any space", itemType, dottedID)
}

func (d *Dispatcher) verifyIntegrity(item Item, space Space) error {
	if len(item.Signature.Signature) == 0 {
		if d.trust(space) {
			return nil
		}
		return fmt.Errorf("dispatch: item %s is unsigned and space %s does not trust unsigned items", item.DottedID, space)
	}
	if d.verifier == nil {
		return nil
	}
	if err := d.verifier.Verify(item.Body, item.Signature.Signature, item.Signature.KeyFingerprint); err != nil {
		return fmt.Errorf("dispatch: item %s failed integrity verification: %w", item.DottedID, err)
	}
	return nil
}

// executeChain follows ExecutorID references until it reaches a primitive
// executor (subprocess/http_client), detecting cycles by dotted id.
func (d *Dispatcher) executeChain(ctx context.Context, item Item, params map[string]any, visited []string) (any, error) {
	for _, v := range visited {
		if v == item.DottedID {
			return nil, fmt.Errorf("dispatch: executor chain loop detected at %s (chain: %v)", item.DottedID, visited)
		}
	}
	visited = append(visited, item.DottedID)

	if item.ExecutorID == "" {
		exec, ok := d.executors[item.ItemType]
		if !ok {
			return nil, fmt.Errorf("dispatch: no primitive executor registered for %q", item.ItemType)
		}
		return exec.Execute(ctx, item, params)
	}

	next, _, err := d.resolve(item.ItemType, item.ExecutorID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolving executor %q: %w", item.ExecutorID, err)
	}
	if err := d.verifyIntegrity(next, SpaceSystem); err != nil {
		return nil, err
	}
	merged := mergeParams(item.Params, params)
	return d.executeChain(ctx, next, merged, visited)
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// ErrNoMatch is a sentinel for callers that want to report a failed lookup
// as an error. Store.Lookup itself never returns it: it reports a missing
// item as found=false with a nil error.
var ErrNoMatch = errors.New("dispatch: no matching item")

// PermissionDeniedPayload builds the structured tool-result payload the
// Thread Runner injects into the conversation when a capability check
// fails, so the model can see why its tool call did not run.
func PermissionDeniedPayload(reason string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"error": "permission_denied", "reason": reason})
	return data
}
