package main

import (
	"context"
	"time"

	"github.com/keboola/task-worker/internal/pkg/service/common/duration"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable"
	"github.com/keboola/task-worker/internal/pkg/service/worker/node"
)

// registerTasks registers the built-in tasks, they are used to check the deployment.
func registerTasks(n *node.Node) error {
	if err := n.RegisterTask("echo", echoTask); err != nil {
		return err
	}
	if err := n.RegisterTask("sleep", sleepTask); err != nil {
		return err
	}
	return n.RegisterTask("waitForEvent", waitForEventTask)
}

// echoTask returns the input.
func echoTask(_ context.Context, tc *node.Context) (any, error) {
	return tc.Input(), nil
}

// sleepTask sleeps for the "duration" from the input, durable runs resume the sleep on retry.
func sleepTask(ctx context.Context, tc *node.Context) (any, error) {
	var input struct {
		Duration duration.Duration `json:"duration"`
	}
	if err := tc.DecodeInput(&input); err != nil {
		return nil, err
	}

	started := time.Now()
	if err := tc.SleepFor(ctx, input.Duration.Duration()); err != nil {
		return nil, err
	}
	return map[string]string{"slept": time.Since(started).String()}, nil
}

// waitForEventTask waits for the event with the "key" from the input, or until the "timeout".
func waitForEventTask(ctx context.Context, tc *node.Context) (any, error) {
	var input struct {
		Key     string            `json:"key"`
		Timeout duration.Duration `json:"timeout"`
	}
	if err := tc.DecodeInput(&input); err != nil {
		return nil, err
	}

	condition := durable.Event(input.Key, nil)
	if input.Timeout.Duration() > 0 {
		condition = durable.Or(condition, durable.Sleep(input.Timeout.Duration()))
	}

	resolution, err := tc.WaitFor(ctx, condition)
	if err != nil {
		return nil, err
	}
	if resolution.Winner != 0 {
		return map[string]any{"timeout": true}, nil
	}
	return map[string]any{"timeout": false, "payload": resolution.Payload}, nil
}
