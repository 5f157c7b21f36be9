package deposit

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const announcementVersion = "deposits.announced.v1"

// Announcement is the public broadcast that lets a recipient's scanner find a
// stealth deposit. PKx and Ciphertext are opaque to the ledger.
type Announcement struct {
	Version    string `json:"version"`
	DepositID  string `json:"depositId"`
	Receiver   string `json:"receiver"`
	Amount     string `json:"amount"`
	Asset      string `json:"asset"`
	PKx        string `json:"pkx"`
	Ciphertext string `json:"ciphertext"`
}

func newAnnouncement(id common.Hash, receiver, asset common.Address, amount *uint256.Int, pkx, ciphertext common.Hash) Announcement {
	return Announcement{
		Version:    announcementVersion,
		DepositID:  id.Hex(),
		Receiver:   receiver.Hex(),
		Amount:     amount.Dec(),
		Asset:      asset.Hex(),
		PKx:        pkx.Hex(),
		Ciphertext: ciphertext.Hex(),
	}
}

func (a Announcement) marshal() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("deposit: marshal announcement: %w", err)
	}
	return b, nil
}
