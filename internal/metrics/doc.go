// Package metrics exposes buffer, storage and plugin activity as Prometheus
// collectors.
package metrics
