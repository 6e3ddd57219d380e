package exec

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/gomlx/execplan/planner"
	"github.com/gomlx/execplan/types/xsync"
)

// streamQueue is one logical stream's FIFO task queue: the sequence of step
// indices still to run, plus whatever indices get pushed onto it later by a
// TriggerDownstream step on another stream (§4.5/§5).
type streamQueue struct {
	mu      sync.Mutex
	pending []int
	notify  chan struct{}
}

func newStreamQueue(numSteps int) *streamQueue {
	q := &streamQueue{notify: make(chan struct{}, 1)}
	if numSteps > 0 {
		q.pending = append(q.pending, 0)
	}
	return q
}

func (q *streamQueue) push(stepIndex int) {
	q.mu.Lock()
	q.pending = append(q.pending, stepIndex)
	q.mu.Unlock()
	xsync.SendNoBlock(q.notify, struct{}{})
}

// pop returns the next step index to run, blocking until one is available.
func (q *streamQueue) pop() int {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			next := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return next
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// Run drives every logical stream of ctx's plan concurrently, one goroutine
// per stream, until every stream's step list is exhausted or the shared
// terminate flag is observed. It implements the parallel-streams,
// cooperative-within-stream model of §5: steps on one stream run strictly
// in the order a Barrier/Schedule pushed them, while streams themselves run
// in parallel, synchronized exclusively through ActivateNotification →
// Barrier/Wait pairs.
//
// maxConcurrentStreams caps how many stream workers run at once (0 means
// unlimited); it exists for environments that want to bound goroutine
// fan-out rather than spawn one worker per stream unconditionally.
func Run(ctx *Context, maxConcurrentStreams int) error {
	sem := xsync.NewSemaphore(maxConcurrentStreams)
	var wg sync.WaitGroup
	errs := make([]error, len(ctx.plan.ExecutionPlan))

	for i, stream := range ctx.plan.ExecutionPlan {
		wg.Add(1)
		go func(streamIdx int, stream *planner.LogicStream) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()
			errs[streamIdx] = runStream(ctx, streamIdx, stream)
		}(i, stream)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runStream pops and executes step indices from streamIdx's queue, in
// strictly increasing step order, until every step of stream has completed,
// a step reports continueFlag=false with a non-nil error (cancellation --
// only LaunchKernelStep does this, per steps.go), or the shared terminate
// flag is observed.
//
// A Barrier step can report continueFlag=false with a nil error: that's the
// "other half of the rendezvous hasn't arrived yet" case (§4.5). When that
// happens the stream does not advance past it and does not exit -- it goes
// back to waiting on its queue, which Context.Schedule will push into once
// the matching TriggerDownstream delivers the second decrement.
func runStream(ctx *Context, streamIdx int, stream *planner.LogicStream) error {
	// stopStep is pushed onto every queue when a step fails, so a stream
	// blocked waiting for a barrier wakes up and exits.
	const stopStep = -1
	pos := 0
	for pos < len(stream.Steps) {
		stepIdx := ctx.queues[streamIdx].pop()
		if stepIdx == stopStep {
			return nil
		}
		step := stream.Steps[stepIdx]

		continueFlag, err := step.Execute(ctx, streamIdx)
		if err != nil {
			klog.Errorf("exec[%s]: stream %d step %d (%s) failed: %v", ctx.RunID(), streamIdx, stepIdx, step.Dump(), err)
			ctx.Terminate()
			for _, q := range ctx.queues {
				q.push(stopStep)
			}
			return err
		}
		if !continueFlag {
			// Only a Barrier step returns (false, nil); wait for its
			// counterpart decrement instead of advancing or exiting.
			continue
		}

		pos = stepIdx + 1
		if pos < len(stream.Steps) {
			ctx.queues[streamIdx].push(pos)
		}
	}
	return nil
}
