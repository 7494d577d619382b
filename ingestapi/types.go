package ingestapi

import "github.com/ethereum/go-ethereum/common"

// PayAfterRes is the JSON response shape for both the submission and
// per-address query endpoints.
type PayAfterRes struct {
	CreateTime *uint64      `json:"create_time,omitempty"`
	Txid       *common.Hash `json:"txid,omitempty"`
	WaitUntil  *uint64      `json:"wait_until,omitempty"`
	DataHash   *common.Hash `json:"data_hash,omitempty"`
	Error      []string     `json:"error,omitempty"`
}
