package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/stratum-cloud/stratum/pkg/telemetry"
)

// Example_basicSetup demonstrates initializing telemetry at startup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Output = "stdout"
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer tel.Shutdown(context.Background())

	fmt.Println(tel.Config.ServiceName)
	// Output: stratum
}

// Example_structuredLogging demonstrates workflow-scoped logging.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, os.Stdout)

	log := logger.NewComponentLogger("executor").
		WithWorkflowID("wf-1").
		WithJobID("job-1")
	log.Debug("suppressed below info")

	fmt.Println("logged")
	// Output: logged
}

// Example_driverInstrumentation demonstrates wrapping a platform call.
func Example_driverInstrumentation() {
	tel := telemetry.NewNoop()

	err := tel.RecordDriverOperation(context.Background(), "aws", "provision", func(ctx context.Context) error {
		return errors.New("bucket already owned by another account")
	})

	fmt.Println(err)
	// Output: bucket already owned by another account
}

// Example_eventFiltering demonstrates subscribing to one job's events.
func Example_eventFiltering() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})

	received := make(chan telemetry.Event, 1)
	events.Subscribe(func(e telemetry.Event) {
		received <- e
	}, telemetry.FilterByJobID("job-1"))

	_ = events.Publish(telemetry.Event{Type: "workflow_started", JobID: "job-2"})
	_ = events.Publish(telemetry.Event{Type: "workflow_succeeded", JobID: "job-1"})

	select {
	case e := <-received:
		fmt.Println(e.Type)
	case <-time.After(time.Second):
		fmt.Println("timeout")
	}
	// Output: workflow_succeeded
}
