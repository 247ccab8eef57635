// Package protocol owns the request/response contract shared by the four
// roles.
//
// Ownership boundary:
// - request and response payloads and their paths
// - error sentinels and the wire error envelope
// - the HTTP+JSON client and registration backoff
package protocol
