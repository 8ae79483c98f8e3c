package main

import (
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"

	"github.com/sells-group/scrapegen/internal/jobs"
)

// queueHandle is the configured job queue and the resources behind it.
type queueHandle struct {
	Queue jobs.Queue
	// Memory is set for the in-process backend; the caller runs its workers.
	Memory *jobs.MemoryQueue
	// Temporal is set for the durable backend.
	Temporal client.Client
}

// Close releases the queue. Memory workers stop after their current job.
func (h *queueHandle) Close() {
	if h.Memory != nil {
		h.Memory.Close()
	}
	if h.Temporal != nil {
		h.Temporal.Close()
	}
}

func openQueue(env *appEnv) (*queueHandle, error) {
	switch cfg.Jobs.Backend {
	case "memory":
		q := jobs.NewMemoryQueue(env.Runner, jobsConfig())
		return &queueHandle{Queue: q, Memory: q}, nil
	case "temporal":
		c, err := dialTemporal()
		if err != nil {
			return nil, err
		}
		return &queueHandle{Queue: jobs.NewTemporalQueue(c, jobsConfig()), Temporal: c}, nil
	default:
		return nil, eris.Errorf("unsupported jobs backend: %s", cfg.Jobs.Backend)
	}
}

// openRemoteQueue opens a queue shared with other processes. The memory
// backend lives inside one process, so commands that only talk to a queue
// cannot use it.
func openRemoteQueue(env *appEnv) (*queueHandle, error) {
	if cfg.Jobs.Backend == "memory" {
		return nil, eris.New("jobs.backend memory runs inside serve; use the HTTP API or set jobs.backend=temporal")
	}
	return openQueue(env)
}

func dialTemporal() (client.Client, error) {
	return jobs.Dial(jobs.TemporalConfig{
		HostPort:  cfg.Jobs.Temporal.HostPort,
		Namespace: cfg.Jobs.Temporal.Namespace,
	})
}
