// Package server provides the HTTP front of the stager.
//
// Every request is routed by its Host header to an instance backend:
//
//   - /_stager/static/: loading page assets (embedded or from resource_dir)
//   - /_stager/api/ready: "true" once the host's backend is running
//   - /_stager/api/instances: JSON snapshot of all instances
//   - /_stager/api/events: Server-Sent Events stream of instance changes
//   - everything else: proxied to the running backend, or the loading page
//     while it starts
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
