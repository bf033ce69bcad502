// Package services builds the personad object graph from configuration.
//
// A Container owns every long-lived dependency: the storage backend (with
// optional local fallback), score cache and service, persona registry and
// its similarity index, the feedback loop and its event sinks, the secret
// redactor, and telemetry. Nothing is global; the HTTP server, MCP server,
// and CLI commands each receive what they need from one Container.
//
//	config ──► backend ──► score cache ──► score service ──► registry
//	                 └──────► event sinks ──► feedback loop ◄─┘
package services
