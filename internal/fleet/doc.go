// Package fleet defines the core types and collaborator contracts shared by
// the scheduling, resilience, and match pipeline subsystems of the realtime
// cricket fleet.
package fleet
