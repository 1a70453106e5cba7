package attribution

import "encoding/json"

// The leaderboard is persisted as an association list (map keys are structs,
// which JSON objects cannot express), the activity log as a plain array.

func (a *Aggregator) LeaderboardJSON() (json.RawMessage, error) {
	entries := a.Top(0)
	return json.Marshal(entries)
}

func (a *Aggregator) RestoreLeaderboard(raw json.RawMessage) error {
	var entries []LeaderEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	a.mu.Lock()
	a.board = make(map[LeaderKey]*LeaderEntry, len(entries))
	for i := range entries {
		e := entries[i]
		a.board[LeaderKey{UserID: e.UserID, Region: e.Region}] = &e
	}
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) ActivityJSON() (json.RawMessage, error) {
	a.mu.Lock()
	records := append([]ActivityRecord(nil), a.activity...)
	a.mu.Unlock()
	return json.Marshal(records)
}

func (a *Aggregator) RestoreActivity(raw json.RawMessage) error {
	var records []ActivityRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}
	a.mu.Lock()
	a.activity = records
	a.mu.Unlock()
	return nil
}
