// Package pipe provides an in-process network for links between nodes of
// the same process. It is used by tests and by the local demo cluster.
//
// Endpoints are plain names. Partition and Heal simulate network splits
// between two endpoints: existing connections break, new dials fail.
package pipe
