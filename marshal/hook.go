package marshal

import "context"

// Hook provides observability callpoints around foreign calls made through
// Invoke. Implementations must be safe for concurrent use.
type Hook interface {
	OnCallStart(ctx context.Context, info CallInfo) (context.Context, HookToken)
	OnCallEnd(ctx context.Context, token HookToken, info CallInfo, stats *CallStats, err error)
}

// HookToken is an opaque value returned by OnCallStart and passed back to
// OnCallEnd. Only meaningful to the Hook that created it.
type HookToken interface{}

// CallInfo describes one foreign call.
type CallInfo struct {
	Library string
	Symbol  string
	Async   bool
}

// CallStats holds per-call boundary counters.
type CallStats struct {
	States           []State
	BuffersAcquired  int
	BytesAcquired    int64
	BuffersReleased  int
	CallbacksInvoked int
}

func (s *CallStats) recordAcquire(n uint32) {
	s.BuffersAcquired++
	s.BytesAcquired += int64(n)
}

type nopHook struct{}

func (nopHook) OnCallStart(ctx context.Context, _ CallInfo) (context.Context, HookToken) {
	return ctx, nil
}

func (nopHook) OnCallEnd(context.Context, HookToken, CallInfo, *CallStats, error) {}

// Hooks combines hooks into one. Starts run in order and ends in reverse,
// each hook seeing the context its predecessors returned.
func Hooks(hs ...Hook) Hook {
	var kept multiHook
	for _, h := range hs {
		if h != nil {
			kept = append(kept, h)
		}
	}
	switch len(kept) {
	case 0:
		return nopHook{}
	case 1:
		return kept[0]
	}
	return kept
}

type multiHook []Hook

func (m multiHook) OnCallStart(ctx context.Context, info CallInfo) (context.Context, HookToken) {
	tokens := make([]HookToken, len(m))
	for i, h := range m {
		ctx, tokens[i] = h.OnCallStart(ctx, info)
	}
	return ctx, tokens
}

func (m multiHook) OnCallEnd(ctx context.Context, token HookToken, info CallInfo, stats *CallStats, err error) {
	tokens, _ := token.([]HookToken)
	for i := len(m) - 1; i >= 0; i-- {
		var t HookToken
		if i < len(tokens) {
			t = tokens[i]
		}
		m[i].OnCallEnd(ctx, t, info, stats, err)
	}
}
