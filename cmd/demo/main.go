package main

// Minimal direct-API walkthrough: two stages sharing one pool, one of them
// squeezed hard enough to show submitter backpressure.

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/baojie5642/cassandrabaojie/internal/executor"
)

func main() {
	pool := executor.NewSharedPool("demo",
		executor.WithoutMetrics(),
		executor.WithWorkerCeiling(4),
		executor.WithLogger(slog.Default()),
	)

	mutation, err := pool.NewExecutor(2, 8, "mutation")
	if err != nil {
		log.Fatalf("create mutation stage: %v", err)
	}
	read, err := pool.NewExecutor(2, 1, "read")
	if err != nil {
		log.Fatalf("create read stage: %v", err)
	}

	// Fire-and-forget work on the wide stage.
	for i := 0; i < 32; i++ {
		i := i
		if err := mutation.Execute(func() error {
			time.Sleep(5 * time.Millisecond)
			if i%8 == 0 {
				fmt.Printf("mutation %d done\n", i)
			}
			return nil
		}); err != nil {
			log.Fatalf("submit mutation: %v", err)
		}
	}

	// Futures on the squeezed stage; the tiny queue forces blocking submits.
	futures := make([]*executor.Future, 0, 8)
	for i := 0; i < 8; i++ {
		f, err := read.Submit(func() error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		if err != nil {
			log.Fatalf("submit read: %v", err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if err := f.Wait(context.Background()); err != nil {
			log.Fatalf("read task failed: %v", err)
		}
	}

	fmt.Printf("read stage: completed=%d blocked=%d\n",
		read.CompletedCount(), read.TotalBlocked())

	pool.Shutdown()
	if !pool.AwaitTermination(10 * time.Second) {
		log.Fatal("pool did not terminate")
	}
	fmt.Println("pool drained")
}
