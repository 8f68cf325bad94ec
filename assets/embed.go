// Package assets provides the embedded loading page and browser poller for
// stager.
//
// The loading page is served to GET requests while an instance is still
// starting. Its script polls the ready API and reloads the page once the
// instance answers. Embedding keeps the binary self-contained; set
// resource_dir in the config to serve files from disk instead.
package assets

import "embed"

// FS holds the stager web resources.
//
// The filesystem structure is:
//
//	static/
//	  js/stager.js          - readiness poller for the loading page
//	templates/
//	  loading.html          - page shown while an instance starts
//
//go:embed static templates
var FS embed.FS
