package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/louisbranch/walletstore/changeset"
	"github.com/louisbranch/walletstore/storage"
)

// ReadChangeSet reconstructs the aggregate change set from every table. Rows
// that fail to decode are reported as storage.DecodeError values joined into
// the returned error; rows that decode cleanly are still returned, so the
// caller decides whether partial state is acceptable.
func (s *Store) ReadChangeSet(ctx context.Context) (changeset.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return changeset.ChangeSet{}, err
	}
	if s == nil || s.sqlDB == nil {
		return changeset.ChangeSet{}, fmt.Errorf("storage is not configured")
	}

	cs := changeset.New()
	var decodeErrs []error

	if err := readNetwork(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readKeychains(ctx, s.sqlDB, &cs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readBlocks(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readTxs(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readTxOuts(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readAnchors(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readLastRevealed(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}
	if err := readScriptPubkeys(ctx, s.sqlDB, &cs, &decodeErrs); err != nil {
		return changeset.ChangeSet{}, err
	}

	return cs, errors.Join(decodeErrs...)
}

func readNetwork(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	var name string
	err := db.QueryRowContext(ctx, `SELECT name FROM network LIMIT 1`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read network: %w", err)
	}
	params, err := decodeNetwork(name)
	if err != nil {
		*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "network", Key: name, Err: err})
		return nil
	}
	cs.Network = params
	return nil
}

func readKeychains(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet) error {
	rows, err := db.QueryContext(ctx, `SELECT keychain_id, descriptor FROM keychain`)
	if err != nil {
		return fmt.Errorf("read keychains: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, descriptor string
		if err := rows.Scan(&id, &descriptor); err != nil {
			return fmt.Errorf("scan keychain: %w", err)
		}
		cs.Keychains[id] = descriptor
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate keychains: %w", err)
	}
	return nil
}

func readBlocks(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	rows, err := db.QueryContext(ctx, `SELECT height, hash FROM block`)
	if err != nil {
		return fmt.Errorf("read blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			height int64
			hash   string
		)
		if err := rows.Scan(&height, &hash); err != nil {
			return fmt.Errorf("scan block: %w", err)
		}
		key := strconv.FormatInt(height, 10)
		h, err := decodeHash(hash)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "block", Key: key, Err: err})
			continue
		}
		blockHeight, err := decodeHeight(height)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "block", Key: key, Err: err})
			continue
		}
		cs.Blocks[blockHeight] = h
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate blocks: %w", err)
	}
	return nil
}

func readTxs(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	rows, err := db.QueryContext(ctx,
		`SELECT txid, tx, first_seen, last_seen, last_evicted FROM tx`)
	if err != nil {
		return fmt.Errorf("read txs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id          string
			raw         []byte
			firstSeen   sql.NullInt64
			lastSeen    sql.NullInt64
			lastEvicted sql.NullInt64
		)
		if err := rows.Scan(&id, &raw, &firstSeen, &lastSeen, &lastEvicted); err != nil {
			return fmt.Errorf("scan tx: %w", err)
		}
		txid, err := decodeHash(id)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "tx", Key: id, Err: err})
			continue
		}

		change := changeset.TxChange{
			FirstSeen:   timeFieldFromNull(firstSeen),
			LastSeen:    timeFieldFromNull(lastSeen),
			LastEvicted: timeFieldFromNull(lastEvicted),
		}
		if raw != nil {
			decoded, err := decodeTx(raw)
			if err != nil {
				*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "tx", Key: id, Err: err})
				continue
			}
			change.Raw = changeset.Set(decoded)
		}
		cs.Txs[txid] = change
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate txs: %w", err)
	}
	return nil
}

func readTxOuts(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	rows, err := db.QueryContext(ctx, `SELECT txid, vout, value, script FROM txout`)
	if err != nil {
		return fmt.Errorf("read txouts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			vout   int64
			value  int64
			script []byte
		)
		if err := rows.Scan(&id, &vout, &value, &script); err != nil {
			return fmt.Errorf("scan txout: %w", err)
		}
		key := fmt.Sprintf("%s:%d", id, vout)
		txid, err := decodeHash(id)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "txout", Key: key, Err: err})
			continue
		}
		index, err := decodeIndex(vout)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "txout", Key: key, Err: err})
			continue
		}
		cs.TxOuts[wire.OutPoint{Hash: txid, Index: index}] = changeset.TxOut{
			Value:  btcutil.Amount(value),
			Script: script,
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate txouts: %w", err)
	}
	return nil
}

func readAnchors(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	rows, err := db.QueryContext(ctx,
		`SELECT block_height, block_hash, txid, confirmation_time FROM anchor`)
	if err != nil {
		return fmt.Errorf("read anchors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			height      int64
			hash        string
			id          string
			confirmedAt int64
		)
		if err := rows.Scan(&height, &hash, &id, &confirmedAt); err != nil {
			return fmt.Errorf("scan anchor: %w", err)
		}
		key := fmt.Sprintf("%d/%s/%s", height, hash, id)
		blockHeight, err := decodeHeight(height)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "anchor", Key: key, Err: err})
			continue
		}
		blockHash, err := decodeHash(hash)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "anchor", Key: key, Err: err})
			continue
		}
		txid, err := decodeHash(id)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "anchor", Key: key, Err: err})
			continue
		}
		anchor := changeset.Anchor{Height: blockHeight, Hash: blockHash, Txid: txid}
		cs.Anchors[anchor] = fromMillis(confirmedAt)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate anchors: %w", err)
	}
	return nil
}

func readLastRevealed(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	rows, err := db.QueryContext(ctx,
		`SELECT descriptor_id, last_revealed FROM keychain_last_revealed`)
	if err != nil {
		return fmt.Errorf("read last revealed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			revealed sql.NullInt64
		)
		if err := rows.Scan(&id, &revealed); err != nil {
			return fmt.Errorf("scan last revealed: %w", err)
		}
		descriptorID, err := changeset.ParseDescriptorID(id)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "keychain_last_revealed", Key: id, Err: err})
			continue
		}
		if !revealed.Valid {
			continue
		}
		index, err := decodeIndex(revealed.Int64)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "keychain_last_revealed", Key: id, Err: err})
			continue
		}
		cs.LastRevealed[descriptorID] = changeset.Set(index)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate last revealed: %w", err)
	}
	return nil
}

func readScriptPubkeys(ctx context.Context, db *sql.DB, cs *changeset.ChangeSet, decodeErrs *[]error) error {
	rows, err := db.QueryContext(ctx,
		`SELECT descriptor_id, derivation_index, script FROM keychain_script_pubkey`)
	if err != nil {
		return fmt.Errorf("read script pubkeys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			index  int64
			script []byte
		)
		if err := rows.Scan(&id, &index, &script); err != nil {
			return fmt.Errorf("scan script pubkey: %w", err)
		}
		key := fmt.Sprintf("%s/%d", id, index)
		descriptorID, err := changeset.ParseDescriptorID(id)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "keychain_script_pubkey", Key: key, Err: err})
			continue
		}
		derivationIndex, err := decodeIndex(index)
		if err != nil {
			*decodeErrs = append(*decodeErrs, storage.DecodeError{Table: "keychain_script_pubkey", Key: key, Err: err})
			continue
		}
		if cs.ScriptPubkeys[descriptorID] == nil {
			cs.ScriptPubkeys[descriptorID] = make(map[uint32][]byte)
		}
		cs.ScriptPubkeys[descriptorID][derivationIndex] = script
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate script pubkeys: %w", err)
	}
	return nil
}
