// Package plugins holds the reference plugins used to run a buffer end to
// end: a maintenance plugin that garbage-collects the buffer, a JSON-lines
// file input and a JSON-lines file output.
package plugins
