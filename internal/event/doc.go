// Package event defines the unit of data moving through a flobuf pipeline.
//
// An Event is a mapping from field name to a JSON-compatible value plus a
// mapping from attachment key to out-of-line binary data. Events have a
// canonical encoding (sorted keys, exact numbers) used for storage, hashing
// and tests:
//
//	ev, err := event.BuildEvent(
//	    map[string]any{"report": true, "time": "2024-05-01T10:00:00Z"},
//	    map[string]string{"screenshot": "/tmp/shot.png"},
//	)
//	b, _ := ev.Canonical()
//
// Attachments start in reference mode (a producer-owned path). A buffer that
// copies attachments hands consumers events whose attachments point at the
// buffer's private copy; ResolveAttachment opens either kind.
package event
