// Package pool implements a bounded pool of exclusively owned resources with
// age, error-count, and LRU eviction plus forced recycling of the underlying
// substrate.
package pool
