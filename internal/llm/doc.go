// Package llm defines the contract between the turn orchestrator and the
// external reasoning agent: the message history, the per-step request and
// the events a reasoner may emit (tool calls, a final answer or an
// escalation). Provider adapters live in sub-packages.
package llm
