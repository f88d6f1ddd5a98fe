// Package cricket holds the validated match entities produced at the adapter
// boundary: ball numbers, ball events, score snapshots, and full scorecards.
// Constructors reject impossible values instead of clamping them.
package cricket
