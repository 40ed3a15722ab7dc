// Package querygate provides governed ad-hoc SQL execution over an embedded
// analytical database. A heuristic inspector admits only read-only
// SELECT/WITH statements; admitted queries run under bounded concurrency,
// per-query timeouts, a process memory ceiling, and optional row caps, and
// every failure is surfaced as a structured, typed error instead of a raw
// driver message. A companion Explain path retrieves the engine's query
// plan and produces heuristic cost estimates and optimization hints without
// executing the query.
//
// Construct one Engine per database at process start and share it; all
// methods are safe for concurrent use.
package querygate
