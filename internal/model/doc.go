// Package model holds the data types shared by all four orchestrator roles.
//
// Ownership boundary:
// - Session identity and flags (owned by the LSS hosting the session)
// - ServiceInstance and its supervision state machine (owned by the spawning LDS)
//
// GSS and GDS registries only reference these values; they never mutate another
// tier's copy.
package model
