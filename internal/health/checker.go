// Package health probes the process dependencies: the Postgres pool and the
// Solana RPC endpoint. Probes run concurrently and each result is reported
// by name so /healthz can show exactly what is down.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// probeTimeout bounds each individual probe regardless of the caller's
// deadline.
const probeTimeout = 3 * time.Second

// Probe is one named dependency check.
type Probe func(ctx context.Context) error

// Checker runs a fixed set of named probes.
type Checker struct {
	probes map[string]Probe
	logger *zap.Logger
}

// New creates a Checker with no probes registered.
func New(logger *zap.Logger) *Checker {
	return &Checker{probes: make(map[string]Probe), logger: logger}
}

// Register adds a named probe. Registering the same name twice replaces the
// earlier probe.
func (c *Checker) Register(name string, p Probe) {
	c.probes[name] = p
}

// Check runs every probe concurrently and returns the per-probe results; a
// nil error means healthy.
func (c *Checker) Check(ctx context.Context) map[string]error {
	results := make(map[string]error, len(c.probes))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, probe := range c.probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			err := probe(pctx)
			if err != nil {
				c.logger.Warn("health probe failed", zap.String("probe", name), zap.Error(err))
			}
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()
	return results
}
