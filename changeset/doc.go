// Package changeset defines the wallet ledger change-set model and its merge
// rules.
//
// A ChangeSet is a partial update to persisted wallet state: blocks in the
// best chain, transactions and their outputs, confirmation anchors, and
// keychain derivation bookkeeping. Change sets compose: Merge folds an
// incoming set into an accumulated one, entity by entity, using the same
// rules a store applies against already-persisted rows.
//
// Optional attributes travel as a Field, which distinguishes three states:
// Unchanged (say nothing, keep whatever is stored), Cleared (erase the
// stored value), and Set (replace it). The zero Field is Unchanged, so a
// freshly built change set touches nothing it does not mention.
//
// Merges are mostly last-writer-wins or monotonic; the exceptions are
// immutable facts (outputs, scripts, keychain descriptors, the network),
// where contradicting an already-recorded value fails with ErrConflict.
package changeset
