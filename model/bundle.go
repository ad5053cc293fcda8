package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Bundle is a set of operations submitted together in one transaction. Status
// transitions exactly once out of Created; a bundle is never reopened.
type Bundle struct {
	ID           string
	Beneficiary  common.Address
	Status       Status
	OperationIDs []string
	TxHash       string
}

// NewBundle creates a Created bundle and attaches every operation to it. The
// order of operations is preserved for deterministic execution.
func NewBundle(beneficiary common.Address, ops []*UserOperation) *Bundle {
	b := &Bundle{
		ID:          GenerateID(),
		Beneficiary: beneficiary,
		Status:      StatusCreated,
	}

	for _, op := range ops {
		op.BundleID = b.ID
		op.Status = StatusCreated
		b.OperationIDs = append(b.OperationIDs, op.ID)
	}

	return b
}

// BundleKeyPrefix groups bundle records for prefix scans.
const BundleKeyPrefix = "bundle:"

func BundleStorageKey(id string) []byte {
	return []byte(BundleKeyPrefix + id)
}

func (b *Bundle) StorageKey() []byte {
	return BundleStorageKey(b.ID)
}

type bundleJSON struct {
	ID           string   `json:"id"`
	Beneficiary  string   `json:"beneficiary"`
	Status       Status   `json:"status"`
	OperationIDs []string `json:"operation_ids"`
	TxHash       string   `json:"tx_hash,omitempty"`
}

func (b *Bundle) ToJSON() ([]byte, error) {
	return json.Marshal(&bundleJSON{
		ID:           b.ID,
		Beneficiary:  b.Beneficiary.Hex(),
		Status:       b.Status,
		OperationIDs: b.OperationIDs,
		TxHash:       b.TxHash,
	})
}

func BundleFromJSON(data []byte) (*Bundle, error) {
	var j bundleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}

	return &Bundle{
		ID:           j.ID,
		Beneficiary:  common.HexToAddress(j.Beneficiary),
		Status:       j.Status,
		OperationIDs: j.OperationIDs,
		TxHash:       j.TxHash,
	}, nil
}
