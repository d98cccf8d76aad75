package sqlite

import (
	"bytes"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/louisbranch/walletstore/changeset"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func timeFieldFromNull(value sql.NullInt64) changeset.Field[time.Time] {
	if !value.Valid {
		return changeset.Unchanged[time.Time]()
	}
	return changeset.Set(fromMillis(value.Int64))
}

func encodeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTx(raw []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return &tx, nil
}

func decodeHash(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("decode hash %q: %w", s, err)
	}
	return *h, nil
}

func decodeHeight(height int64) (uint32, error) {
	if height < 0 || height > math.MaxUint32 {
		return 0, fmt.Errorf("height %d out of range", height)
	}
	return uint32(height), nil
}

func decodeIndex(index int64) (uint32, error) {
	if index < 0 || index > math.MaxUint32 {
		return 0, fmt.Errorf("index %d out of range", index)
	}
	return uint32(index), nil
}

func encodeNetwork(params *chaincfg.Params) string {
	return params.Name
}

func decodeNetwork(name string) (*chaincfg.Params, error) {
	known := []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.SigNetParams,
		&chaincfg.SimNetParams,
		&chaincfg.RegressionNetParams,
	}
	for _, params := range known {
		if params.Name == name {
			return params, nil
		}
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
