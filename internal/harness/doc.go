// Package harness provides conformance testing for forrest specifications.
//
// The harness realizes a forrest, drives it through scripted steps and
// checks the trees, transforms and journal it ends with. Scenarios run
// against the real engine with the doc and grid adapters; commits land in
// an in-memory journal.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: title_mirror
//	description: "Page title is mirrored into the sheet"
//	forrest:
//	  trees:
//	    - {name: page, kind: doc, source: "title: Hello", throw_events: true}
//	    - {name: sheet, kind: grid, source: "[[Title, Hello]]", receive_events: true, commits: true}
//	  relations:
//	    - kind: is
//	      selection1: {tree: page, selector: title}
//	      selection2: {tree: sheet, selector: B1}
//	steps:
//	  - set_value: {tree: page, selector: title, value: World}
//	assertions:
//	  - {type: value, tree: sheet, selector: B1, value: World}
//	  - {type: journal_count, tree: sheet, state: success, count: 1}
//
// Instead of an inline forrest, spec names a CUE file with a forrest block.
//
// # Steps
//
//   - set_value: store a value on every selected node
//   - insert_clone: clone an item of a collection and insert the copy
//   - remove_child: remove and destroy a child by index
//   - apply: apply a wire transform as if it came from the store
//   - execute: execute the relations on the selected nodes toward them
//   - process_incoming: process incoming relations below a node
//   - reload: replace a tree's inline source and reload it
//
// A step may set expect_error to a substring its error must contain.
//
// # Assertion Types
//
//   - value: the first selected node holds a value
//   - child_count: the first selected node has N children
//   - relation_count: the selected nodes carry N relations, optionally of one kind
//   - transform_state: a transform, named by GUID, ended in a commit state
//   - journal_count: the journal holds N entries, optionally by tree and state
//
// # Deterministic Testing
//
// Transform GUIDs are numbered from the scenario's guid_prefix (default
// "t"), so t-1 is the first transform the first step creates. Traces are
// serialized as canonical JSON and compared against golden files in
// testdata/golden.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/title_mirror.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
