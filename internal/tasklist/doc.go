// Package tasklist parses and rewrites checkbox task-list documents.
//
// The document is the source of truth for completion state. Parsing
// retains every line verbatim; the only mutation the codec performs is
// flipping a single completion marker, so serializing back yields the
// input byte-for-byte except for markers that were changed.
//
// Recognized task lines:
//
//	- [ ] 1 Set up project
//	  - [-] 1.1 Create module
//	  - [x] 1.2 Add config
//
// Hierarchy is expressed by indentation and the dotted identifier.
package tasklist
