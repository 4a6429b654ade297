// Package llm wraps answer generation behind a small Generator interface.
//
// The production implementation is Gemini, built on google.golang.org/genai.
// It serves three distinct jobs:
//
//   - answer generation, streaming or whole, with a per-intent system prompt
//   - knowledge triple extraction as schema-constrained JSON (Extractor)
//   - intent classification of incoming queries (Router)
//
// Static is a credential-free stand-in that returns a canned answer, used
// when no API key is configured so the rest of the engine stays runnable.
//
// Prompts live in an embedded TOML catalog (prompts.toml) and can be
// replaced at startup via the prompts.path config key. Templates compile at
// load time so a bad override fails immediately.
package llm
