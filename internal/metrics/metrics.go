package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

// Nop is used when no statsd address is configured.
type Nop struct{}

func (Nop) Increment(string)               {}
func (Nop) Duration(string, time.Duration) {}
func (Nop) Gauge(string, int)              {}
