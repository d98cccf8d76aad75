package changeset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DescriptorID identifies a keychain descriptor by the SHA-256 of its
// canonical string form. Its text encoding is plain hex, unlike txids and
// block hashes which render reversed.
type DescriptorID [32]byte

// HashDescriptor derives the identifier for a descriptor string.
func HashDescriptor(descriptor string) DescriptorID {
	return DescriptorID(sha256.Sum256([]byte(descriptor)))
}

// ParseDescriptorID decodes the plain-hex form produced by String.
func ParseDescriptorID(s string) (DescriptorID, error) {
	var id DescriptorID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode descriptor id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("decode descriptor id: got %d bytes, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

func (id DescriptorID) String() string {
	return hex.EncodeToString(id[:])
}

// TxChange describes one transaction's contribution to a change set. Raw is
// the consensus-serialized transaction; the three timestamps track when the
// transaction was first and most recently observed and when it last dropped
// out of the mempool. Every field defaults to Unchanged, and a TxChange with
// all fields Unchanged still records that the transaction exists.
type TxChange struct {
	Raw         Field[*wire.MsgTx]
	FirstSeen   Field[time.Time]
	LastSeen    Field[time.Time]
	LastEvicted Field[time.Time]
}

// TxOut is one transaction output. Outputs are immutable once recorded.
type TxOut struct {
	Value  btcutil.Amount
	Script []byte
}

// Anchor pins a transaction to a block. The composite identity is the whole
// struct; the confirmation time rides alongside it in ChangeSet.Anchors.
type Anchor struct {
	Height uint32
	Hash   chainhash.Hash
	Txid   chainhash.Hash
}

// ChangeSet is a partial update to wallet ledger state. Nil or empty maps
// mean the entity has nothing to say; the zero ChangeSet changes nothing.
type ChangeSet struct {
	// Network pins the chain parameters the ledger belongs to. Set once.
	Network *chaincfg.Params

	// Keychains maps keychain identifiers to descriptor strings. Set once
	// per identifier.
	Keychains map[string]string

	// Blocks maps heights in the best chain to block hashes.
	Blocks map[uint32]chainhash.Hash

	// Txs carries per-transaction changes keyed by txid.
	Txs map[chainhash.Hash]TxChange

	// TxOuts carries outputs keyed by outpoint.
	TxOuts map[wire.OutPoint]TxOut

	// Anchors maps confirmation anchors to confirmation times.
	Anchors map[Anchor]time.Time

	// LastRevealed tracks the highest revealed derivation index per
	// descriptor. Values only move forward.
	LastRevealed map[DescriptorID]Field[uint32]

	// ScriptPubkeys caches derived scripts per descriptor and index.
	ScriptPubkeys map[DescriptorID]map[uint32][]byte
}

// New returns a change set with every entity map allocated.
func New() ChangeSet {
	return ChangeSet{
		Keychains:     make(map[string]string),
		Blocks:        make(map[uint32]chainhash.Hash),
		Txs:           make(map[chainhash.Hash]TxChange),
		TxOuts:        make(map[wire.OutPoint]TxOut),
		Anchors:       make(map[Anchor]time.Time),
		LastRevealed:  make(map[DescriptorID]Field[uint32]),
		ScriptPubkeys: make(map[DescriptorID]map[uint32][]byte),
	}
}

// IsEmpty reports whether the change set carries no changes at all.
func (cs ChangeSet) IsEmpty() bool {
	return cs.Network == nil &&
		len(cs.Keychains) == 0 &&
		len(cs.Blocks) == 0 &&
		len(cs.Txs) == 0 &&
		len(cs.TxOuts) == 0 &&
		len(cs.Anchors) == 0 &&
		len(cs.LastRevealed) == 0 &&
		len(cs.ScriptPubkeys) == 0
}
