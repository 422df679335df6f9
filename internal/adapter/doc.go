// Package adapter provides the reference tree kinds the engine realizes
// documents with.
//
// Two kinds are provided:
//   - doc: a JSON or YAML document. Mappings become "object" nodes labelled
//     by key, sequences become "array" nodes whose items are addressed by
//     position, and scalars become "value" nodes.
//   - grid: a table of rows. Rows are addressed as row:N (1-based) and cells
//     with spreadsheet references such as B2 or ranges such as A2:A5.
//
// Both kinds read their document from the tree spec's inline source or from
// a file URL, and both hand committed transforms to a shared Committer,
// which writes them to a Journal and keeps their commit state current.
package adapter
