// Package pipeline implements the ordered, priority-sorted chain of stanza
// processors described in spec §4.3. Each processor is isolated: a panic
// inside one is caught and logged, and processing continues with the next
// processor rather than aborting the whole chain.
package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"waddle.chat/xmppd/internal/stanza"
	"waddle.chat/xmppd/internal/xlog"
)

// Verdict is the result of a single processor hook.
type Verdict int

// The three hook outcomes defined by spec §4.3.
const (
	// Continue passes the (possibly mutated) stanza to the next processor.
	Continue Verdict = iota
	// Drop stops inbound processing (deliver nothing) or, on outbound,
	// produces a pipeline error back to the caller.
	Drop
	// Replace continues processing with a substitute stanza.
	Replace
)

// Result is returned by a processor hook.
type Result struct {
	Verdict Verdict
	Stanza  stanza.Stanza // set when Verdict == Replace
	Err     error         // set when Verdict == Drop on the outbound side
}

func cont() Result                       { return Result{Verdict: Continue} }
func drop() Result                       { return Result{Verdict: Drop} }
func dropErr(err error) Result           { return Result{Verdict: Drop, Err: err} }
func replace(s stanza.Stanza) Result     { return Result{Verdict: Replace, Stanza: s} }

// Ctx carries per-call state a processor needs beyond the stanza itself:
// which session originated/will receive it and a free-form session-scoped
// value bag (bound address, negotiated features, etc). Processors reach the
// router, MUC registry, and authorization engine through their own
// constructor closures, not through Ctx — this keeps pipeline free of
// dependencies on the packages that are built on top of it.
type Ctx struct {
	// SessionID identifies the owning session for logging and for
	// session-scoped processors (carbons, CSI) to look up per-session state.
	SessionID string
	// Values lets processors stash and retrieve per-session state (e.g. CSI
	// buffer, carbons-enabled flag) without the pipeline knowing their types.
	Values map[string]any
}

// KeyRecipient is the Values key a session stashes its own bound address
// under before running the outbound hooks, so a processor that needs to
// know which destination this particular outbound unit is headed to (e.g.
// carbons, deciding whether this is the first of a bare-JID fan-out) can
// read it back without Ctx growing a dedicated field per processor.
const KeyRecipient = "recipient"

// Get fetches a value stashed by an earlier processor.
func (c *Ctx) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Set stashes a value for later processors (or a later call) to retrieve.
func (c *Ctx) Set(key string, v any) {
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	c.Values[key] = v
}

// Processor is one stage of the pipeline. Priority is i32; lower runs
// earlier. A processor that handles only one direction embeds Base, whose
// hooks pass the stanza through unchanged.
type Processor interface {
	Name() string
	Priority() int
	Inbound(ctx *Ctx, s stanza.Stanza) Result
	Outbound(ctx *Ctx, s stanza.Stanza) Result
}

// Base provides no-op hooks so a Processor implementation only needs to
// override the direction it cares about.
type Base struct{}

// Inbound implements Processor with a pass-through default.
func (Base) Inbound(ctx *Ctx, s stanza.Stanza) Result { return cont() }

// Outbound implements Processor with a pass-through default.
func (Base) Outbound(ctx *Ctx, s stanza.Stanza) Result { return cont() }

// Pipeline is a priority-sorted, thread-safe registry of processors shared
// by every session; it holds no per-stanza or per-session state itself.
type Pipeline struct {
	mu         sync.RWMutex
	processors []Processor
	log        *xlog.Logger
}

// New builds an empty pipeline.
func New(log *xlog.Logger) *Pipeline {
	if log == nil {
		log = xlog.Discard()
	}
	return &Pipeline{log: log.With("component", "pipeline")}
}

// Register adds a processor, re-sorting by priority. Processors with equal
// priority run in registration order (stable sort).
func (p *Pipeline) Register(proc Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processors = append(p.processors, proc)
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Priority() < p.processors[j].Priority()
	})
}

// Processors returns a snapshot of the registered processors in run order.
func (p *Pipeline) Processors() []Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Processor, len(p.processors))
	copy(out, p.processors)
	return out
}

// RunInbound feeds s through every inbound hook in priority order. It
// returns the (possibly replaced) stanza and whether delivery should
// proceed at all (false on Drop).
func (p *Pipeline) RunInbound(ctx *Ctx, s stanza.Stanza) (stanza.Stanza, bool) {
	cur := s
	for _, proc := range p.Processors() {
		res := p.callInbound(proc, ctx, cur)
		switch res.Verdict {
		case Drop:
			return cur, false
		case Replace:
			cur = res.Stanza
		}
	}
	return cur, true
}

// RunOutbound feeds s through every outbound hook in priority order. An
// explicit Drop on outbound is a pipeline error returned to the caller
// (spec §4.3); an unexpected panic is isolated and treated as Continue.
func (p *Pipeline) RunOutbound(ctx *Ctx, s stanza.Stanza) (stanza.Stanza, error) {
	cur := s
	for _, proc := range p.Processors() {
		res := p.callOutbound(proc, ctx, cur)
		switch res.Verdict {
		case Drop:
			if res.Err != nil {
				return cur, res.Err
			}
			return cur, fmt.Errorf("pipeline: %s dropped outbound stanza", proc.Name())
		case Replace:
			cur = res.Stanza
		}
	}
	return cur, nil
}

func (p *Pipeline) callInbound(proc Processor, ctx *Ctx, s stanza.Stanza) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor panicked, skipping", "processor", proc.Name(), "panic", r)
			res = cont()
		}
	}()
	return proc.Inbound(ctx, s)
}

func (p *Pipeline) callOutbound(proc Processor, ctx *Ctx, s stanza.Stanza) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor panicked, skipping", "processor", proc.Name(), "panic", r)
			res = cont()
		}
	}()
	return proc.Outbound(ctx, s)
}

// Helper constructors processors use to build their Result values.
var (
	// ResultContinue is returned by a hook that made no decision.
	ResultContinue = cont
	// ResultDrop is returned by a hook that wants to stop processing.
	ResultDrop = drop
	// ResultDropErr is returned by an outbound hook reporting why it dropped.
	ResultDropErr = dropErr
	// ResultReplace is returned by a hook that substituted the stanza.
	ResultReplace = replace
)
