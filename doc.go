// Package orchestrator brokers tool calls issued by a sandboxed,
// user-supplied program back to a fleet of downstream tool-providing
// servers.
//
// It sits between a sandbox supervisor (which runs one short-lived program
// per Execution) and a pool of long-lived downstream connections. Every
// tool call the sandbox issues is rate-limited, admission-controlled,
// checked against a per-downstream circuit breaker, validated against a
// cached JSON-Schema descriptor, and finally routed to the right downstream
// transport. Every outcome is recorded to a tamper-evident audit log.
//
// # Pipeline
//
// A tool call flows through, in order: [ratelimit], [queue] (only when the
// downstream pool is saturated), [breaker], [schema] (cache + validation),
// then [downstream]. [Dispatcher] composes these stages. [sandbox]
// supervises the child process that issues the calls; [bridge] is the
// loopback HTTP endpoint the sandbox calls back into; [server] is the
// client-facing front-end that starts an Execution; [shutdown] coordinates
// an orderly drain of all of the above.
//
// See the cmd/orchestrator directory for a complete reference server.
package orchestrator
