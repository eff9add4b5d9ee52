// Package util provides shared utility functions.
package util

import "hash/fnv"

// Tag computes a 4-byte hash of a session key for compact log prefixes
// ("[%08x]"). It is used solely for identification.
func Tag(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
