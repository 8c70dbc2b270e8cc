// Package tool holds the data model shared by every layer of the gateway:
// risk tiers, approval requirements, tool schemas, calls and results.
//
// The types here carry no behaviour beyond normalisation and validation so
// that the protocol engine, the registry, the permission engine and the
// backends can all depend on them without depending on each other.
package tool
