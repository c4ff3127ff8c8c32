// Package types provides shared type definitions for the GeoPlace server:
// structured errors, the job status state machine, and progress event
// payloads. It is the lowest-level package and has no internal dependencies,
// which keeps the domain packages free of import cycles.
package types
