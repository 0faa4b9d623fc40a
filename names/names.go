// Package names is the single authority for deriving Redis key, stream, queue
// and channel names. Every name used by the fabric is built here; no other
// component formats these strings.
//
// All functions are pure: fixed inputs always yield the same string and no
// call performs I/O.
package names

import "strings"

// DefaultPrefix namespaces every key the platform writes.
const DefaultPrefix = "nooble4"

// DefaultEnvironment is used when no environment is configured.
const DefaultEnvironment = "dev"

// Namer derives names under a fixed (prefix, environment) pair. The zero
// value is not usable; construct with New. Components that accept a Namer
// treat the zero value as New("", "").
type Namer struct {
	prefix string
	env    string
}

// New returns a Namer for the given prefix and environment. Empty arguments
// fall back to DefaultPrefix and DefaultEnvironment.
func New(prefix, env string) Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if env == "" {
		env = DefaultEnvironment
	}
	return Namer{prefix: prefix, env: env}
}

// IsZero reports whether the namer was not built with New.
func (n Namer) IsZero() bool { return n.prefix == "" && n.env == "" }

// Prefix returns the configured prefix.
func (n Namer) Prefix() string { return n.prefix }

// Environment returns the configured environment segment.
func (n Namer) Environment() string { return n.env }

// ActionStream returns the stream a service consumes actions from. context is
// an optional extra routing segment (e.g. a tenant shard) and may be empty.
//
//	{prefix}:{env}:{service}[:{context}]:actions:stream
func (n Namer) ActionStream(service, context string) string {
	return n.join(service, context, "actions", "stream")
}

// DeadLetterStream returns the dead-letter companion of a stream.
func (n Namer) DeadLetterStream(service, context string) string {
	return n.ActionStream(service, context) + ":dead"
}

// ResponseQueue returns the per-call reply queue for a pseudo-synchronous
// send. correlationID makes the name unique to one caller.
//
//	{prefix}:{env}:{origin}[:{context}]:responses:{action}:{correlation_id}
func (n Namer) ResponseQueue(originService, context, actionName, correlationID string) string {
	return n.join(originService, context, "responses", actionName, correlationID)
}

// CallbackQueue returns the stable per-event callback queue of a service.
//
//	{prefix}:{env}:{origin}[:{context}]:callbacks:{event}
func (n Namer) CallbackQueue(originService, context, eventName string) string {
	return n.join(originService, context, "callbacks", eventName)
}

// NotificationChannel returns the pub/sub channel for an event.
//
//	{prefix}:{env}:{origin}[:{context}]:notifications:{event}
func (n Namer) NotificationChannel(originService, context, eventName string) string {
	return n.join(originService, context, "notifications", eventName)
}

// StateKey returns the key the state manager stores a schema instance under.
//
//	{prefix}:{env}:{service}:state:{schema}:{key}
func (n Namer) StateKey(service, schemaName, key string) string {
	return n.join(service, "", "state", schemaName, key)
}

// UsageKey returns the tier usage counter key for a tenant, resource and
// calendar window suffix.
//
//	{prefix}:{env}:tier:usage:{tenant}:{resource}:{window}
func (n Namer) UsageKey(tenantID, resource, window string) string {
	return n.join("tier", "", "usage", tenantID, resource, window)
}

// join assembles prefix:env:service[:context]:segments... skipping empty
// segments.
func (n Namer) join(service, context string, segments ...string) string {
	parts := make([]string, 0, len(segments)+4)
	parts = append(parts, n.prefix, n.env, service)
	if context != "" {
		parts = append(parts, context)
	}
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}
