package changeset

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrConflict indicates a change set contradicts an already-recorded fact,
// such as a different script for an existing output or a second descriptor
// for an existing keychain.
var ErrConflict = errors.New("change set conflict")

// Merge folds incoming into cs. Blocks are last-writer-wins per height,
// transaction timestamps combine monotonically, anchors and scripts are
// insert-only, and keychains and the network are set-once. A conflict leaves
// cs partially merged; callers that need atomicity should merge into a copy
// or rely on a transactional store.
func (cs *ChangeSet) Merge(incoming ChangeSet) error {
	if err := cs.mergeNetwork(incoming.Network); err != nil {
		return err
	}
	if err := cs.mergeKeychains(incoming.Keychains); err != nil {
		return err
	}
	cs.mergeBlocks(incoming.Blocks)
	cs.mergeTxs(incoming.Txs)
	if err := cs.mergeTxOuts(incoming.TxOuts); err != nil {
		return err
	}
	cs.mergeAnchors(incoming.Anchors)
	cs.mergeLastRevealed(incoming.LastRevealed)
	return cs.mergeScriptPubkeys(incoming.ScriptPubkeys)
}

func (cs *ChangeSet) mergeNetwork(network *chaincfg.Params) error {
	if network == nil {
		return nil
	}
	if cs.Network != nil && cs.Network.Name != network.Name {
		return fmt.Errorf("network %s: ledger already on %s: %w", network.Name, cs.Network.Name, ErrConflict)
	}
	cs.Network = network
	return nil
}

func (cs *ChangeSet) mergeKeychains(keychains map[string]string) error {
	for id, descriptor := range keychains {
		if existing, ok := cs.Keychains[id]; ok {
			if existing != descriptor {
				return fmt.Errorf("keychain %q: conflicting descriptor: %w", id, ErrConflict)
			}
			continue
		}
		if cs.Keychains == nil {
			cs.Keychains = make(map[string]string)
		}
		cs.Keychains[id] = descriptor
	}
	return nil
}

func (cs *ChangeSet) mergeBlocks(blocks map[uint32]chainhash.Hash) {
	for height, hash := range blocks {
		if cs.Blocks == nil {
			cs.Blocks = make(map[uint32]chainhash.Hash)
		}
		cs.Blocks[height] = hash
	}
}

func (cs *ChangeSet) mergeTxs(txs map[chainhash.Hash]TxChange) {
	for txid, in := range txs {
		if cs.Txs == nil {
			cs.Txs = make(map[chainhash.Hash]TxChange)
		}
		cs.Txs[txid] = cs.Txs[txid].merge(in)
	}
}

func (cs *ChangeSet) mergeTxOuts(txouts map[wire.OutPoint]TxOut) error {
	for op, in := range txouts {
		if existing, ok := cs.TxOuts[op]; ok {
			if existing.Value != in.Value || !bytes.Equal(existing.Script, in.Script) {
				return fmt.Errorf("txout %s: conflicting output: %w", op.String(), ErrConflict)
			}
			continue
		}
		if cs.TxOuts == nil {
			cs.TxOuts = make(map[wire.OutPoint]TxOut)
		}
		cs.TxOuts[op] = in
	}
	return nil
}

func (cs *ChangeSet) mergeAnchors(anchors map[Anchor]time.Time) {
	for anchor, confirmedAt := range anchors {
		if _, ok := cs.Anchors[anchor]; ok {
			continue
		}
		if cs.Anchors == nil {
			cs.Anchors = make(map[Anchor]time.Time)
		}
		cs.Anchors[anchor] = confirmedAt
	}
}

func (cs *ChangeSet) mergeLastRevealed(revealed map[DescriptorID]Field[uint32]) {
	for id, in := range revealed {
		if in.IsUnchanged() {
			continue
		}
		if v, ok := in.Value(); ok {
			if existing, ok := cs.LastRevealed[id].Value(); ok && existing >= v {
				continue
			}
		}
		if cs.LastRevealed == nil {
			cs.LastRevealed = make(map[DescriptorID]Field[uint32])
		}
		cs.LastRevealed[id] = in
	}
}

func (cs *ChangeSet) mergeScriptPubkeys(scripts map[DescriptorID]map[uint32][]byte) error {
	for id, indexed := range scripts {
		for index, script := range indexed {
			if existing, ok := cs.ScriptPubkeys[id][index]; ok {
				if !bytes.Equal(existing, script) {
					return fmt.Errorf("script pubkey %s/%d: conflicting script: %w", id, index, ErrConflict)
				}
				continue
			}
			if cs.ScriptPubkeys == nil {
				cs.ScriptPubkeys = make(map[DescriptorID]map[uint32][]byte)
			}
			if cs.ScriptPubkeys[id] == nil {
				cs.ScriptPubkeys[id] = make(map[uint32][]byte)
			}
			cs.ScriptPubkeys[id][index] = script
		}
	}
	return nil
}

func (tc TxChange) merge(in TxChange) TxChange {
	if !in.Raw.IsUnchanged() {
		tc.Raw = in.Raw
	}
	tc.FirstSeen = mergeEarliest(tc.FirstSeen, in.FirstSeen)
	tc.LastSeen = mergeLatest(tc.LastSeen, in.LastSeen)
	tc.LastEvicted = mergeLatest(tc.LastEvicted, in.LastEvicted)
	return tc
}

func mergeEarliest(cur, in Field[time.Time]) Field[time.Time] {
	if in.IsUnchanged() {
		return cur
	}
	v, ok := in.Value()
	if !ok {
		return in
	}
	if existing, ok := cur.Value(); ok && !v.Before(existing) {
		return cur
	}
	return Set(v)
}

func mergeLatest(cur, in Field[time.Time]) Field[time.Time] {
	if in.IsUnchanged() {
		return cur
	}
	v, ok := in.Value()
	if !ok {
		return in
	}
	if existing, ok := cur.Value(); ok && !v.After(existing) {
		return cur
	}
	return Set(v)
}
