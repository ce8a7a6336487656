// Package queryengine is the in-process table catalog datasets are attached to.
//
// Each dataset name maps to exactly one table. A table is one of:
//
//   - a view: SQL over other tables, with its dependencies extracted from the
//     FROM and JOIN clauses,
//   - a mesh table: a connector's live TableProvider, scanned on demand,
//   - an accelerated table: a databackend.Backend fed by a refresher that reads
//     the connector on attach and then every refresh_interval. Writes go to
//     the backend and any extra publishers (write-back replication).
//
// Attaching under a name that is already registered replaces the previous
// table, stopping its refresher and closing its backend. Query planning is
// out of scope: a view can be scanned only when it is a plain
// SELECT * FROM <table>.
package queryengine
