// Package region implements the key space model of the store: half-open key
// ranges, regions (normalized sets of disjoint key ranges) and region maps
// (associations of values with the key ranges of a region).
//
// All types are immutable values. The set operations Intersect, Union,
// Subtract, IsSubset and Overlaps are pure and total over well formed input.
// Building a region from a malformed range (Start > End, or End beyond
// KeyMax) is a programming error and panics with an assertion failure.
//
// Region maps are used to store per sub-region metadata such as the version
// a replica holds for each part of its key space. Adjacent entries holding
// the same value are merged, which makes map equality structural.
//
// Regions and maps can be encoded with the lib/codec helpers, as JSON (keys
// are arbitrary bytes and therefore base64 encoded) and with encoding/gob.
package region
