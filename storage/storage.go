// Package storage defines persistence contracts for wallet ledger state.
package storage

import (
	"context"
	"fmt"

	"github.com/louisbranch/walletstore/changeset"
)

// Persister writes change sets to a backing store and reconstructs the
// aggregate state back out of it.
type Persister interface {
	PersistChangeSet(ctx context.Context, cs changeset.ChangeSet) error
	ReadChangeSet(ctx context.Context) (changeset.ChangeSet, error)
}

// DecodeError reports one stored row that could not be decoded back into
// change set form. Reads aggregate decode errors with errors.Join and still
// return every row that decoded cleanly, so callers choose whether partial
// state is acceptable.
type DecodeError struct {
	Table string
	Key   string
	Err   error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode %s row %q: %v", e.Table, e.Key, e.Err)
}

func (e DecodeError) Unwrap() error {
	return e.Err
}
