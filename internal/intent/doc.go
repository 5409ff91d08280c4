// Package intent matches recognized utterances to skill handlers.
//
// Skills register keyword intents (required/optional entities), phrase
// intents (example utterances matched by token overlap) and fallback
// handlers in a Registry. The Service subscribes to
// recognizer_loop.utterance and resolves each utterance through four
// stages: the conversing skill's converse hook, the keyword and phrase
// matchers, the skill fallback chain, and an optional LLM provider.
// The Tracker holds the conversation context: the skill that last
// handled an utterance gets first refusal on the next one until its
// TTL lapses.
package intent
