// Package reframe is an event/effect/subscription state runtime.
//
// A Store holds one state value. Code changes it only by dispatching named
// events. Each event runs through an interceptor chain around a handler
// that returns either the next state (RegisterEventDb) or a declarative map
// of effects (RegisterEvent). Effects are interpreted by the store: "db"
// replaces the state, the dispatch family queues more events, "fx" runs
// effects in order, and custom effects come from RegisterEffect.
//
// Events are processed strictly one at a time in FIFO order. An event runs
// to completion, including every effect it produced, before the next one
// starts. Events dispatched while handling an event queue behind it.
//
// Reads go through subscriptions: named, parameterized, memoized views of
// the state. Leaf subscriptions compute from the state; derived ones combine
// the results of other subscriptions. Subscribers are notified in batches
// through a Scheduler, and only when their result changes.
//
//	s := reframe.New(reframe.WithInitialState(map[string]any{"count": 0}))
//	defer s.Close(context.Background())
//
//	s.RegisterEventDb("inc", func(cofx reframe.Coeffects, _ any) (any, error) {
//		db := cofx.DB().(map[string]any)
//		return map[string]any{"count": db["count"].(int) + 1}, nil
//	})
//	if err := s.Dispatch(ctx, "inc", nil); err != nil {
//		return err
//	}
package reframe
