package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/module"
)

// RunSystemCheck probes every loaded module (started or not) on an
// independent worker goroutine under a shared deadline. Probe
// failures are contained per module: a slow probe is reported as a
// timeout and its worker abandoned, a panicking probe as an error, a
// malformed report as invalid_response. The aggregator itself never
// blocks past the deadline.
func (l *Loader) RunSystemCheck(ctx context.Context, timeout time.Duration) eventbus.AggregateHealthResult {
	l.mu.Lock()
	order := append([]string(nil), l.order...)
	instances := make(map[string]module.Module, len(l.instances))
	for name, inst := range l.instances {
		instances[name] = inst
	}
	l.mu.Unlock()

	results := make(map[string]eventbus.HealthReport, len(order))

	if timeout <= 0 {
		for _, name := range order {
			if _, ok := instances[name]; ok {
				results[name] = timeoutReport(timeout)
			}
		}
		return aggregate(results)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type probe struct {
		name string
		ch   chan eventbus.HealthReport
	}

	var probes []probe
	for _, name := range order {
		inst, ok := instances[name]
		if !ok {
			continue
		}
		// Buffered so an abandoned worker can still deliver and exit
		// instead of leaking blocked on the send.
		p := probe{name: name, ch: make(chan eventbus.HealthReport, 1)}
		probes = append(probes, p)
		go func(inst module.Module, ch chan<- eventbus.HealthReport) {
			defer func() {
				if r := recover(); r != nil {
					ch <- eventbus.HealthReport{
						"healthy": false,
						"status":  "error",
						"error":   fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			ch <- normalizeReport(inst.SystemCheck(probeCtx))
		}(inst, p.ch)
	}

	for _, p := range probes {
		select {
		case report := <-p.ch:
			results[p.name] = report
		default:
			select {
			case report := <-p.ch:
				results[p.name] = report
			case <-probeCtx.Done():
				results[p.name] = timeoutReport(timeout)
			}
		}
	}

	return aggregate(results)
}

func aggregate(results map[string]eventbus.HealthReport) eventbus.AggregateHealthResult {
	overall := true
	for _, report := range results {
		if !report.Healthy() {
			overall = false
			break
		}
	}
	return eventbus.AggregateHealthResult{
		OverallHealthy: overall,
		Modules:        results,
	}
}

func normalizeReport(report eventbus.HealthReport) eventbus.HealthReport {
	if report.Valid() {
		return report
	}
	return eventbus.HealthReport{
		"healthy": false,
		"status":  "invalid_response",
		"error":   fmt.Sprintf("probe returned malformed report: %v", report),
	}
}

func timeoutReport(timeout time.Duration) eventbus.HealthReport {
	return eventbus.HealthReport{
		"healthy": false,
		"status":  "timeout",
		"error":   fmt.Sprintf("timed out after %gs", timeout.Seconds()),
	}
}
