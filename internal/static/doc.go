// Package static implements the file-based routing mode.
//
// In static mode the proxy serves a single base domain. Each sub-domain is
// mapped to a local port by a routes file, for example:
//
//	// routes.json
//	{
//	  "blog": 8810, // blog.example.com
//	  "api": 8811
//	}
//
// The file may be JSON with comments or YAML (".yaml" or ".yml"). It is
// watched with fsnotify and reloaded on change; a file that fails to parse
// leaves the previous routes in place. Ports outside the configured range
// are refused so that a typo cannot expose an unrelated local service.
//
// Router implements proxy.TargetResolver, so static mode runs on the same
// dispatcher as the process-manager mode.
package static
