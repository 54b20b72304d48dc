package agent

import (
	"context"
	"strings"
	"time"
)

// EchoFactory creates agents that answer locally without a model. It is the
// default provider so the daemon runs without credentials.
type EchoFactory struct {
	// Delay simulates model latency.
	Delay time.Duration
}

func (f *EchoFactory) Create(context.Context) (Agent, error) {
	return &echoAgent{delay: f.Delay}, nil
}

type echoAgent struct {
	lifecycle
	delay time.Duration
}

func (a *echoAgent) Run(ctx context.Context, prompt string, progress Progress) (string, error) {
	if err := a.usable(); err != nil {
		return "", err
	}
	progress.Think("Reading the request", "")
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Echo: " + strings.TrimSpace(prompt), nil
}

func (a *echoAgent) Cleanup(context.Context) error {
	return a.cleanup()
}
