package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/ledger"
	"github.com/stratum-cloud/stratum/pkg/stores"
)

// Example_rollback shows a two-step workflow whose second step fails
// permanently, so the first step is compensated before the job fails.
func Example_rollback() {
	ctx := context.Background()

	store, err := stores.NewSQLStore(stores.Config{Dialect: stores.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		panic(err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		panic(err)
	}
	if err := store.Migrate(ctx); err != nil {
		panic(err)
	}

	reg := engine.NewRegistry()
	err = reg.Register(&engine.Definition{
		Type: engine.WorkflowTypeCreate,
		Steps: []engine.Step{
			{
				Name: "reserve",
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					fmt.Println("reserve")
					return map[string]string{"slot": "s-1"}, nil
				},
				Compensate: func(ctx context.Context, sc *engine.StepContext) error {
					var out map[string]string
					if _, err := sc.Own(&out); err != nil {
						return err
					}
					fmt.Println("release", out["slot"])
					return nil
				},
			},
			{
				Name: "attach",
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					fmt.Println("attach")
					return nil, engine.NewPermanentError("quota exceeded", nil)
				},
			},
		},
	})
	if err != nil {
		panic(err)
	}

	exec, err := engine.NewExecutor(engine.Options{
		Store:        store,
		Ledger:       ledger.New(store, zerolog.Nop()),
		Registry:     reg,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = exec.Shutdown(ctx) }()

	if _, err := exec.Submit(ctx, engine.Submission{
		JobID:      "job-1",
		Type:       engine.WorkflowTypeCreate,
		ResourceID: "res-1",
		Inputs:     []byte(`{}`),
	}); err != nil {
		panic(err)
	}

	job, err := exec.Await(ctx, "job-1")
	if err != nil {
		panic(err)
	}
	fmt.Println(job.Status, job.Error.Class)

	// Output:
	// reserve
	// attach
	// release s-1
	// FAILED permanent
}
