// Package chat is the message reconciliation and visibility-state engine.
//
// Each browser poll runs at most one reconciliation pass (Engine.Poll):
//   - the Source's session id is observed by a SessionTracker; a change to a
//     new live session clears the MessageStore and, conditionally, the
//     HiddenStore,
//   - new raw messages are filtered (word count, owner, question, moderation),
//     optionally rewritten with placeholder tokens protected, and enriched
//     with the author's gender,
//   - accepted messages are deduplicated by MessageID(author, rawText) and
//     appended in arrival order,
//   - the payload is assembled after all in-flight visibility toggles have
//     drained and is cached so overlapping polls get the same answer.
//
// Language-model failures never abort a pass: moderation fails open, the
// question filter fails closed, a failed rewrite keeps the original text and
// gender falls back to male. Stores keep their data in memory and write a
// snapshot through a Persister after every mutation.
package chat
