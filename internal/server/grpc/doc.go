// Package grpcserver serves the standard gRPC health protocol for a running
// pipeline.
//
// Every plugin is exposed as its own health service, named after the
// plugin, so `grpc_health_probe -service=<plugin>` reports a single plugin.
// The empty service name covers the whole process: it reports NOT_SERVING
// once any plugin has failed for good.
package grpcserver
