// Package bench replays a deterministic synthetic dataset through a buffer
// engine and reports throughput.
//
// Two modes are supported. Cold times opening a fresh buffer, producing
// the dataset and consuming it back. PreEmit produces the dataset before
// the clock starts and times consume and ack only, which isolates the read
// path.
package bench
