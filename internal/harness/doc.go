// Package harness runs plugins: each in its own goroutine through
// SetUp, Main and TearDown, with exclusive resource tags, restart backoff
// for failing Main loops and escalation of unrecoverable SetUp failures.
//
//	h := harness.New(harness.Options{Logger: logger})
//	_ = h.StartBuffer(gc)       // maintenance plugin owning the buffer
//	_ = h.StartInput(reader)    // produces into the buffer
//	_ = h.StartOutput(writer)   // consumer registered before StartOutput returns
//	defer h.Close(context.Background())
//
// Plugins interact with each other only through the buffer API.
package harness
