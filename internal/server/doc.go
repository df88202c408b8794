// Package server provides the HTTP surface of the execution engine.
//
// This is observability and demo wiring only: health, Prometheus metrics,
// and a thin JSON front over the secure executor. The product web API
// (authentication, projects, task queues) lives in the outer application.
package server
