// Package scheduler drives the probe cycle: reload the configuration if it
// changed, pin one snapshot, fan out one task per route, wait for all of
// them, sleep. Route tasks never outlive their cycle and a panicking task
// never takes the exporter down.
package scheduler
