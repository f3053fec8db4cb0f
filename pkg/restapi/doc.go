// Package restapi is the read-only HTTP surface over the stores, plus batch
// submission and status endpoints.
//
// Every request may carry a GridProtocolVersion header. Missing or
// unrecognized values fall back to the default version instead of failing
// the request. Record endpoints take an optional service_id query parameter:
// without it, organization-wide entities are served from the Global scope and
// the others from the configured default tenant.
//
// Store errors are mapped to stable status codes with a JSON body of the form
// {"status": 404, "kind": "not_found", "message": "..."}.
package restapi
