// Package runtime wires configuration, the buffer engine, the classifier,
// metrics and the plugin harness into a single-node flobuf instance.
//
// Example:
//
//	cfg, _ := config.Resolve("/etc/flobuf.yaml")
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close(context.Background())
//	_ = rt.Start()
//	_ = rt.CheckHealth(context.Background())
package runtime
