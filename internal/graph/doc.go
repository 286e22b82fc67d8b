// Package graph holds the dependency graph between targets and its
// DIRTY/EVALUATED state machine.
//
// A node goes DIRTY when a trigger names its target directly or when any node
// it depends on leaves EVALUATED. Edges are data dependent, so each
// evaluation replaces a node's dependsOn set with the references it actually
// resolved. The graph is pure in-memory state; the engine persists node
// records through the store and hydrates the graph with Load on startup.
package graph
