// Package priority assigns events to ordered delivery classes.
//
// A Classifier maps an event to a level in [0, Levels()), 0 being the
// highest priority. Buffers persist the level by storage location at
// Produce time and never recompute it, so a classifier must be a pure
// function of the event and its own static configuration.
//
// Policies:
//   - Single: everything in level 0.
//   - Rules: ordered predicates (Flag, Before, Match), first match wins,
//     otherwise the lowest level.
//   - ReportProcessCutoff: report -> 0, process -> 1, time before cutoff
//     -> 2, else 3.
//   - CEL: ordered CEL expressions over the event fields.
//
// FromConfig builds any of these from a Config.
package priority
