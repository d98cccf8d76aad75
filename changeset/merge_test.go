package changeset

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func hashN(n byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = n
	return h
}

func TestMergeBlocksLastWriterWins(t *testing.T) {
	cs := New()
	cs.Blocks[100] = hashN(1)

	in := New()
	in.Blocks[100] = hashN(2)
	in.Blocks[101] = hashN(3)

	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge blocks: %v", err)
	}
	if cs.Blocks[100] != hashN(2) {
		t.Fatalf("expected height 100 to take the incoming hash")
	}
	if cs.Blocks[101] != hashN(3) {
		t.Fatalf("expected height 101 to be added")
	}
}

func TestMergeTxFirstSeenKeepsEarliest(t *testing.T) {
	txid := hashN(1)
	early := time.UnixMilli(1_000)
	late := time.UnixMilli(9_000)

	cs := New()
	cs.Txs[txid] = TxChange{FirstSeen: Set(late)}

	in := New()
	in.Txs[txid] = TxChange{FirstSeen: Set(early)}
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge earlier first seen: %v", err)
	}
	got, ok := cs.Txs[txid].FirstSeen.Value()
	if !ok || !got.Equal(early) {
		t.Fatalf("expected first seen %v, got %v", early, got)
	}

	again := New()
	again.Txs[txid] = TxChange{FirstSeen: Set(late)}
	if err := cs.Merge(again); err != nil {
		t.Fatalf("merge later first seen: %v", err)
	}
	got, _ = cs.Txs[txid].FirstSeen.Value()
	if !got.Equal(early) {
		t.Fatalf("expected first seen to stay %v, got %v", early, got)
	}
}

func TestMergeTxLastSeenKeepsLatest(t *testing.T) {
	txid := hashN(1)
	early := time.UnixMilli(1_000)
	late := time.UnixMilli(9_000)

	cs := New()
	cs.Txs[txid] = TxChange{LastSeen: Set(early), LastEvicted: Set(early)}

	in := New()
	in.Txs[txid] = TxChange{LastSeen: Set(late), LastEvicted: Set(late)}
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge later last seen: %v", err)
	}
	if got, _ := cs.Txs[txid].LastSeen.Value(); !got.Equal(late) {
		t.Fatalf("expected last seen %v, got %v", late, got)
	}
	if got, _ := cs.Txs[txid].LastEvicted.Value(); !got.Equal(late) {
		t.Fatalf("expected last evicted %v, got %v", late, got)
	}

	back := New()
	back.Txs[txid] = TxChange{LastSeen: Set(early), LastEvicted: Set(early)}
	if err := cs.Merge(back); err != nil {
		t.Fatalf("merge earlier last seen: %v", err)
	}
	if got, _ := cs.Txs[txid].LastSeen.Value(); !got.Equal(late) {
		t.Fatalf("expected last seen to stay %v, got %v", late, got)
	}
	if got, _ := cs.Txs[txid].LastEvicted.Value(); !got.Equal(late) {
		t.Fatalf("expected last evicted to stay %v, got %v", late, got)
	}
}

func TestMergeTxClearedErasesValue(t *testing.T) {
	txid := hashN(1)

	cs := New()
	cs.Txs[txid] = TxChange{
		Raw:       Set(wire.NewMsgTx(wire.TxVersion)),
		FirstSeen: Set(time.UnixMilli(1_000)),
	}

	in := New()
	in.Txs[txid] = TxChange{
		Raw:       Cleared[*wire.MsgTx](),
		FirstSeen: Cleared[time.Time](),
	}
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge cleared fields: %v", err)
	}
	if !cs.Txs[txid].Raw.IsCleared() {
		t.Fatalf("expected raw to be cleared")
	}
	if !cs.Txs[txid].FirstSeen.IsCleared() {
		t.Fatalf("expected first seen to be cleared")
	}
}

func TestMergeTxUnchangedLeavesValue(t *testing.T) {
	txid := hashN(1)
	seen := time.UnixMilli(1_000)

	cs := New()
	cs.Txs[txid] = TxChange{FirstSeen: Set(seen), LastSeen: Set(seen)}

	in := New()
	in.Txs[txid] = TxChange{}
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge unchanged tx: %v", err)
	}
	if got, _ := cs.Txs[txid].FirstSeen.Value(); !got.Equal(seen) {
		t.Fatalf("expected first seen to survive an unchanged merge")
	}

	other := hashN(2)
	establish := New()
	establish.Txs[other] = TxChange{}
	if err := cs.Merge(establish); err != nil {
		t.Fatalf("merge empty tx change: %v", err)
	}
	if _, ok := cs.Txs[other]; !ok {
		t.Fatalf("expected empty tx change to establish the tx")
	}
}

func TestMergeTxRawOverwrites(t *testing.T) {
	txid := hashN(1)

	first := wire.NewMsgTx(wire.TxVersion)
	second := wire.NewMsgTx(wire.TxVersion)
	second.LockTime = 500_000

	cs := New()
	cs.Txs[txid] = TxChange{Raw: Set(first)}

	in := New()
	in.Txs[txid] = TxChange{Raw: Set(second)}
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge raw tx: %v", err)
	}
	got, ok := cs.Txs[txid].Raw.Value()
	if !ok || got.LockTime != 500_000 {
		t.Fatalf("expected incoming raw tx to win")
	}
}

func TestMergeTxOutIdempotentAndConflicting(t *testing.T) {
	op := wire.OutPoint{Hash: hashN(1), Index: 0}

	cs := New()
	cs.TxOuts[op] = TxOut{Value: 1_500, Script: []byte{0x51}}

	same := New()
	same.TxOuts[op] = TxOut{Value: 1_500, Script: []byte{0x51}}
	if err := cs.Merge(same); err != nil {
		t.Fatalf("expected identical txout to merge cleanly, got %v", err)
	}

	differing := New()
	differing.TxOuts[op] = TxOut{Value: 1_500, Script: []byte{0x52}}
	if err := cs.Merge(differing); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected error %v, got %v", ErrConflict, err)
	}
}

func TestMergeAnchorsInsertOnly(t *testing.T) {
	anchor := Anchor{Height: 100, Hash: hashN(1), Txid: hashN(2)}
	first := time.UnixMilli(1_000)

	cs := New()
	cs.Anchors[anchor] = first

	in := New()
	in.Anchors[anchor] = time.UnixMilli(9_000)
	in.Anchors[Anchor{Height: 101, Hash: hashN(3), Txid: hashN(2)}] = time.UnixMilli(2_000)
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge anchors: %v", err)
	}
	if !cs.Anchors[anchor].Equal(first) {
		t.Fatalf("expected existing anchor time to be kept")
	}
	if len(cs.Anchors) != 2 {
		t.Fatalf("expected 2 anchors, got %d", len(cs.Anchors))
	}
}

func TestMergeLastRevealedMonotonic(t *testing.T) {
	id := HashDescriptor("wpkh(xpub/0/*)")

	cs := New()
	cs.LastRevealed[id] = Set(uint32(5))

	lower := New()
	lower.LastRevealed[id] = Set(uint32(3))
	if err := cs.Merge(lower); err != nil {
		t.Fatalf("merge lower index: %v", err)
	}
	if got, _ := cs.LastRevealed[id].Value(); got != 5 {
		t.Fatalf("expected last revealed to stay 5, got %d", got)
	}

	higher := New()
	higher.LastRevealed[id] = Set(uint32(7))
	if err := cs.Merge(higher); err != nil {
		t.Fatalf("merge higher index: %v", err)
	}
	if got, _ := cs.LastRevealed[id].Value(); got != 7 {
		t.Fatalf("expected last revealed 7, got %d", got)
	}

	clear := New()
	clear.LastRevealed[id] = Cleared[uint32]()
	if err := cs.Merge(clear); err != nil {
		t.Fatalf("merge cleared index: %v", err)
	}
	if !cs.LastRevealed[id].IsCleared() {
		t.Fatalf("expected last revealed to be cleared")
	}

	restart := New()
	restart.LastRevealed[id] = Set(uint32(1))
	if err := cs.Merge(restart); err != nil {
		t.Fatalf("merge index after clear: %v", err)
	}
	if got, _ := cs.LastRevealed[id].Value(); got != 1 {
		t.Fatalf("expected last revealed 1 after clear, got %d", got)
	}
}

func TestMergeScriptPubkeysInsertOnly(t *testing.T) {
	id := HashDescriptor("wpkh(xpub/0/*)")

	cs := New()
	cs.ScriptPubkeys[id] = map[uint32][]byte{0: {0x51}}

	same := New()
	same.ScriptPubkeys[id] = map[uint32][]byte{0: {0x51}, 1: {0x52}}
	if err := cs.Merge(same); err != nil {
		t.Fatalf("expected identical script to merge cleanly, got %v", err)
	}
	if len(cs.ScriptPubkeys[id]) != 2 {
		t.Fatalf("expected 2 scripts, got %d", len(cs.ScriptPubkeys[id]))
	}

	differing := New()
	differing.ScriptPubkeys[id] = map[uint32][]byte{0: {0x53}}
	if err := cs.Merge(differing); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected error %v, got %v", ErrConflict, err)
	}
}

func TestMergeKeychainsSetOnce(t *testing.T) {
	cs := New()
	cs.Keychains["external"] = "wpkh(xpub/0/*)"

	same := New()
	same.Keychains["external"] = "wpkh(xpub/0/*)"
	same.Keychains["internal"] = "wpkh(xpub/1/*)"
	if err := cs.Merge(same); err != nil {
		t.Fatalf("expected matching keychain to merge cleanly, got %v", err)
	}
	if cs.Keychains["internal"] != "wpkh(xpub/1/*)" {
		t.Fatalf("expected internal keychain to be added")
	}

	differing := New()
	differing.Keychains["external"] = "wpkh(other/0/*)"
	if err := cs.Merge(differing); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected error %v, got %v", ErrConflict, err)
	}
}

func TestMergeNetworkSetOnce(t *testing.T) {
	cs := New()
	if err := cs.Merge(ChangeSet{Network: &chaincfg.MainNetParams}); err != nil {
		t.Fatalf("merge network: %v", err)
	}
	if cs.Network == nil || cs.Network.Name != chaincfg.MainNetParams.Name {
		t.Fatalf("expected network to be set to mainnet")
	}

	if err := cs.Merge(ChangeSet{Network: &chaincfg.MainNetParams}); err != nil {
		t.Fatalf("expected matching network to merge cleanly, got %v", err)
	}
	if err := cs.Merge(ChangeSet{}); err != nil {
		t.Fatalf("expected absent network to merge cleanly, got %v", err)
	}

	if err := cs.Merge(ChangeSet{Network: &chaincfg.TestNet3Params}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected error %v, got %v", ErrConflict, err)
	}
}

func TestMergeIntoZeroChangeSet(t *testing.T) {
	in := New()
	in.Network = &chaincfg.MainNetParams
	in.Keychains["external"] = "wpkh(xpub/0/*)"
	in.Blocks[100] = hashN(1)
	in.Txs[hashN(2)] = TxChange{FirstSeen: Set(time.UnixMilli(1_000))}
	in.TxOuts[wire.OutPoint{Hash: hashN(2), Index: 0}] = TxOut{Value: 1_000, Script: []byte{0x51}}
	in.Anchors[Anchor{Height: 100, Hash: hashN(1), Txid: hashN(2)}] = time.UnixMilli(2_000)
	in.LastRevealed[HashDescriptor("wpkh(xpub/0/*)")] = Set(uint32(4))
	in.ScriptPubkeys[HashDescriptor("wpkh(xpub/0/*)")] = map[uint32][]byte{0: {0x51}}

	var cs ChangeSet
	if err := cs.Merge(in); err != nil {
		t.Fatalf("merge into zero change set: %v", err)
	}
	if cs.IsEmpty() {
		t.Fatalf("expected merged change set to be non-empty")
	}
	if cs.Blocks[100] != hashN(1) {
		t.Fatalf("expected block to be merged")
	}
	if len(cs.ScriptPubkeys[HashDescriptor("wpkh(xpub/0/*)")]) != 1 {
		t.Fatalf("expected script pubkey to be merged")
	}
}

func TestIsEmpty(t *testing.T) {
	var zero ChangeSet
	if !zero.IsEmpty() {
		t.Fatalf("expected zero change set to be empty")
	}
	if !New().IsEmpty() {
		t.Fatalf("expected fresh change set to be empty")
	}

	cs := New()
	cs.Blocks[1] = hashN(1)
	if cs.IsEmpty() {
		t.Fatalf("expected change set with a block to be non-empty")
	}
}
