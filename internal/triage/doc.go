// Package triage provides the business boundary for underwrite's submission
// triage system. It defines the Service (session lifecycle), Engine
// (conversation turn loop against the LLM), Dispatcher (tool execution and
// finalization), the in-memory SessionStore, the RecordStore interface for
// persisted outcomes, and the triage rules.
package triage
