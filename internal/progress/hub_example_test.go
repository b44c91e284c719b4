package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub_Emit counts finished attempts per outcome.
func ExampleHub_Emit() {
	outcomes := map[Outcome]int{}
	count := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Finished() {
				outcomes[evt.Outcome]++
			}
		}
		return nil
	})
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, count)

	ts := time.Unix(0, 0).UTC()
	hub.Emit(Event{AttemptID: "a1", ItemID: "i1", TS: ts, Stage: StageAttemptStart})
	hub.Emit(Event{AttemptID: "a1", ItemID: "i1", TS: ts, Stage: StageAttemptError, Outcome: OutcomeRetrying})
	hub.Emit(Event{AttemptID: "a2", ItemID: "i1", TS: ts, Stage: StageAttemptDone, Outcome: OutcomeCompleted})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("completed=%d retrying=%d\n", outcomes[OutcomeCompleted], outcomes[OutcomeRetrying])
	// Output:
	// completed=1 retrying=1
}
