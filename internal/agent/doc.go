// Package agent contains the turn orchestrator. It takes a verified identity
// and a prompt, drives the reasoning agent through a bounded tool loop over the
// tool registry and produces exactly one of three outcomes: an answer, an
// escalation or a failure.
package agent
