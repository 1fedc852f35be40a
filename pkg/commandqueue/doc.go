// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane start in FIFO order; a lane with concurrency 1
//   runs them strictly one after another.
// - Tasks in different lanes may execute concurrently.
// - A panicking task fails with an error; the lane keeps running.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// The gateway gives every channel account its own lane ("wecom:corp") so
// agent callbacks for one account are processed in arrival order.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	err := queue.Submit(ctx, "wecom:corp", func(ctx context.Context) (interface{}, error) {
//		return nil, handle(ctx)
//	}, nil)
package commandqueue
