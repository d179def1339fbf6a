// Package datastream decodes the line-delimited agent data stream protocol
// and folds it into a Turn.
//
// Each line has the form "<tag>:<value>", where value is JSON or, failing
// that, opaque text. Lines arrive as an arbitrarily fragmented byte stream
// (usually an HTTP response body). LineBuffer reassembles lines, ParseLine
// turns a line into an Event, Apply folds an Event into a Turn, and
// Decoder runs the read loop over an io.Reader.
//
// Only transport failures are errors. Lines without a tag, values that are
// not JSON, unknown tags and tool results for unknown calls are skipped.
package datastream
