// Package run holds the CLI entrypoints: Run starts the pipeline described
// by a config file with its gRPC health and Prometheus endpoints, and the
// New*Command constructors build the cobra commands around it.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = run.Run(ctx, run.Options{ConfigPath: "/etc/flobuf.yaml"})
package run
