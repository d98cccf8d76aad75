package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/louisbranch/walletstore/changeset"
)

// Stored-timestamp comparisons that let an incoming value replace the column.
const (
	keepEarliest = ">" // replace when the stored time is later
	keepLatest   = "<" // replace when the stored time is earlier
)

// PersistChangeSet applies cs to the database in a single transaction,
// merging it against already-persisted rows: blocks are last-writer-wins,
// transaction timestamps combine monotonically, anchors and scripts are
// insert-only, keychains and the network are set-once. A merge conflict
// rolls the whole transaction back and surfaces changeset.ErrConflict.
func (s *Store) PersistChangeSet(ctx context.Context, cs changeset.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if cs.IsEmpty() {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := persistNetwork(ctx, tx, cs.Network); err != nil {
		return err
	}
	if err := persistKeychains(ctx, tx, cs.Keychains); err != nil {
		return err
	}
	if err := persistBlocks(ctx, tx, cs.Blocks); err != nil {
		return err
	}
	if err := persistTxs(ctx, tx, cs.Txs); err != nil {
		return err
	}
	if err := persistTxOuts(ctx, tx, cs.TxOuts); err != nil {
		return err
	}
	if err := persistAnchors(ctx, tx, cs.Anchors); err != nil {
		return err
	}
	if err := persistLastRevealed(ctx, tx, cs.LastRevealed); err != nil {
		return err
	}
	if err := persistScriptPubkeys(ctx, tx, cs.ScriptPubkeys); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist: %w", err)
	}
	return nil
}

func persistNetwork(ctx context.Context, tx *sql.Tx, params *chaincfg.Params) error {
	if params == nil {
		return nil
	}
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT name FROM network LIMIT 1`).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO network (name) VALUES (?)`, encodeNetwork(params)); err != nil {
			return fmt.Errorf("insert network: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read network: %w", err)
	}
	if existing != encodeNetwork(params) {
		return fmt.Errorf("network %s: ledger already on %s: %w", params.Name, existing, changeset.ErrConflict)
	}
	return nil
}

func persistKeychains(ctx context.Context, tx *sql.Tx, keychains map[string]string) error {
	for id, descriptor := range keychains {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT descriptor FROM keychain WHERE keychain_id = ?`, id).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO keychain (keychain_id, descriptor) VALUES (?, ?)`, id, descriptor); err != nil {
				return fmt.Errorf("insert keychain %q: %w", id, err)
			}
		case err != nil:
			return fmt.Errorf("read keychain %q: %w", id, err)
		case existing != descriptor:
			return fmt.Errorf("keychain %q: conflicting descriptor: %w", id, changeset.ErrConflict)
		}
	}
	return nil
}

func persistBlocks(ctx context.Context, tx *sql.Tx, blocks map[uint32]chainhash.Hash) error {
	for height, hash := range blocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO block (height, hash) VALUES (?, ?)
			 ON CONFLICT (height) DO UPDATE SET hash = excluded.hash`,
			height, hash.String()); err != nil {
			return fmt.Errorf("upsert block %d: %w", height, err)
		}
	}
	return nil
}

func persistTxs(ctx context.Context, tx *sql.Tx, txs map[chainhash.Hash]changeset.TxChange) error {
	for txid, change := range txs {
		id := txid.String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tx (txid) VALUES (?) ON CONFLICT (txid) DO NOTHING`, id); err != nil {
			return fmt.Errorf("ensure tx %s: %w", id, err)
		}

		if raw, ok := change.Raw.Value(); ok {
			encoded, err := encodeTx(raw)
			if err != nil {
				return fmt.Errorf("tx %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tx SET tx = ? WHERE txid = ?`, encoded, id); err != nil {
				return fmt.Errorf("update tx %s raw: %w", id, err)
			}
		} else if change.Raw.IsCleared() {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tx SET tx = NULL WHERE txid = ?`, id); err != nil {
				return fmt.Errorf("clear tx %s raw: %w", id, err)
			}
		}

		if err := persistTxTime(ctx, tx, id, "first_seen", change.FirstSeen, keepEarliest); err != nil {
			return err
		}
		if err := persistTxTime(ctx, tx, id, "last_seen", change.LastSeen, keepLatest); err != nil {
			return err
		}
		if err := persistTxTime(ctx, tx, id, "last_evicted", change.LastEvicted, keepLatest); err != nil {
			return err
		}
	}
	return nil
}

func persistTxTime(ctx context.Context, tx *sql.Tx, txid, column string, field changeset.Field[time.Time], replaceWhenStored string) error {
	switch {
	case field.IsUnchanged():
		return nil
	case field.IsCleared():
		if _, err := tx.ExecContext(ctx,
			`UPDATE tx SET `+column+` = NULL WHERE txid = ?`, txid); err != nil {
			return fmt.Errorf("clear tx %s %s: %w", txid, column, err)
		}
		return nil
	}

	value, _ := field.Value()
	millis := toMillis(value)
	query := `UPDATE tx SET ` + column + ` = ?
		 WHERE txid = ? AND (` + column + ` IS NULL OR ` + column + ` ` + replaceWhenStored + ` ?)`
	if _, err := tx.ExecContext(ctx, query, millis, txid, millis); err != nil {
		return fmt.Errorf("update tx %s %s: %w", txid, column, err)
	}
	return nil
}

func persistTxOuts(ctx context.Context, tx *sql.Tx, txouts map[wire.OutPoint]changeset.TxOut) error {
	for op, txout := range txouts {
		id := op.Hash.String()
		var (
			value  int64
			script []byte
		)
		err := tx.QueryRowContext(ctx,
			`SELECT value, script FROM txout WHERE txid = ? AND vout = ?`,
			id, op.Index).Scan(&value, &script)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO txout (txid, vout, value, script) VALUES (?, ?, ?, ?)`,
				id, op.Index, int64(txout.Value), txout.Script); err != nil {
				return fmt.Errorf("insert txout %s: %w", op.String(), err)
			}
		case err != nil:
			return fmt.Errorf("read txout %s: %w", op.String(), err)
		case value != int64(txout.Value) || !bytes.Equal(script, txout.Script):
			return fmt.Errorf("txout %s: conflicting output: %w", op.String(), changeset.ErrConflict)
		}
	}
	return nil
}

func persistAnchors(ctx context.Context, tx *sql.Tx, anchors map[changeset.Anchor]time.Time) error {
	for anchor, confirmedAt := range anchors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO anchor (block_height, block_hash, txid, confirmation_time)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (block_height, block_hash, txid) DO NOTHING`,
			anchor.Height, anchor.Hash.String(), anchor.Txid.String(), toMillis(confirmedAt)); err != nil {
			return fmt.Errorf("insert anchor %d/%s/%s: %w", anchor.Height, anchor.Hash, anchor.Txid, err)
		}
	}
	return nil
}

func persistLastRevealed(ctx context.Context, tx *sql.Tx, revealed map[changeset.DescriptorID]changeset.Field[uint32]) error {
	for id, field := range revealed {
		switch {
		case field.IsUnchanged():
			continue
		case field.IsCleared():
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO keychain_last_revealed (descriptor_id, last_revealed) VALUES (?, NULL)
				 ON CONFLICT (descriptor_id) DO UPDATE SET last_revealed = NULL`,
				id.String()); err != nil {
				return fmt.Errorf("clear last revealed %s: %w", id, err)
			}
		default:
			value, _ := field.Value()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO keychain_last_revealed (descriptor_id, last_revealed) VALUES (?, ?)
				 ON CONFLICT (descriptor_id) DO UPDATE SET last_revealed = excluded.last_revealed
				 WHERE keychain_last_revealed.last_revealed IS NULL
				    OR keychain_last_revealed.last_revealed < excluded.last_revealed`,
				id.String(), value); err != nil {
				return fmt.Errorf("update last revealed %s: %w", id, err)
			}
		}
	}
	return nil
}

func persistScriptPubkeys(ctx context.Context, tx *sql.Tx, scripts map[changeset.DescriptorID]map[uint32][]byte) error {
	for id, indexed := range scripts {
		for index, script := range indexed {
			var existing []byte
			err := tx.QueryRowContext(ctx,
				`SELECT script FROM keychain_script_pubkey WHERE descriptor_id = ? AND derivation_index = ?`,
				id.String(), index).Scan(&existing)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO keychain_script_pubkey (descriptor_id, derivation_index, script) VALUES (?, ?, ?)`,
					id.String(), index, script); err != nil {
					return fmt.Errorf("insert script pubkey %s/%d: %w", id, index, err)
				}
			case err != nil:
				return fmt.Errorf("read script pubkey %s/%d: %w", id, index, err)
			case !bytes.Equal(existing, script):
				return fmt.Errorf("script pubkey %s/%d: conflicting script: %w", id, index, changeset.ErrConflict)
			}
		}
	}
	return nil
}
