// Package object defines tangram's content-addressed object model.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                         Object                           │
//	│  id = "<kind>_<base32(blake3(canonical bytes))>"         │
//	├──────────┬──────────┬──────────┬──────────┬─────────────┤
//	│   Blob    │ Artifact │  Graph   │ Command  │  Process*   │
//	│ leaf/branch│ Dir/File/│  nodes   │ args/env/│ not content-│
//	│           │ Symlink  │ +edges   │ mounts   │ addressed   │
//	└──────────┴──────────┴──────────┴──────────┴─────────────┘
//
// Two objects are equal iff their canonical serialization (see package
// codec) is byte-identical, which makes id equality and byte equality the
// same question. Process objects are the one exception: they carry a
// UUIDv7-style time-ordered id instead, because their state mutates over
// its lifecycle and is never rehashed.
package object
