package main

import (
	"encoding/json"
	"strings"
)

const accountPrefix = "Account:"

func accountIDFromStreamID(s string) string {
	if strings.HasPrefix(s, accountPrefix) {
		return strings.TrimPrefix(s, accountPrefix)
	}
	return s
}

// AccountState is the persistable state shape stored in a snapshot's
// state_data, compressed and checksummed by ges.SnapshotService.
type AccountState struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Opened  bool   `json:"opened"`
	Version int64  `json:"version"`
}

// serializeState converts the in-memory aggregate into a persistable byte
// blob, ready to hand to SnapshotService.CreateSnapshot.
func serializeState(a *Account) ([]byte, error) {
	return json.Marshal(AccountState{
		ID:      accountIDFromStreamID(a.StreamID()),
		Owner:   a.owner,
		Balance: a.balance,
		Opened:  a.opened,
		Version: a.Version(),
	})
}

func deserializeState(data []byte) (AccountState, error) {
	var out AccountState
	if err := json.Unmarshal(data, &out); err != nil {
		return AccountState{}, err
	}
	return out, nil
}

func (a *Account) restoreFromState(s AccountState) {
	a.owner = s.Owner
	a.balance = s.Balance
	a.opened = s.Opened
	a.SetVersion(s.Version)
}
