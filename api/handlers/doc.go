// Package handlers implements the GeoPlace HTTP endpoints: canvas painting,
// job submission and tracking, world object queries, the admin surface and
// the websocket progress feed. All handlers follow standard net/http and
// share the Response envelope and error mapping in common.go.
package handlers
