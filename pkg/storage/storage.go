package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

// stateDoc is how a house snapshot is stored by every provider.
type stateDoc struct {
	Version int                `json:"version"`
	Houses  []types.HouseState `json:"houses"`
}

func marshalState(houses []types.HouseState) (string, error) {
	b, err := json.Marshal(stateDoc{
		Version: types.CurrentHouseStateVersion,
		Houses:  houses,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal house state: %w", err)
	}
	return string(b), nil
}

func unmarshalState(s string) ([]types.HouseState, error) {
	var doc stateDoc
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal house state: %w", err)
	}
	if doc.Version > types.CurrentHouseStateVersion {
		return nil, fmt.Errorf("house state version %d is newer than supported %d", doc.Version, types.CurrentHouseStateVersion)
	}
	return doc.Houses, nil
}

// newestFirst sorts switch events by descending timestamp, breaking ties by
// id so results are stable across providers.
func newestFirst(events []types.SwitchEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID > events[j].ID
	})
}

// latestPerHouse keeps the newest event per house at or after since.
func latestPerHouse(events []types.TelemetryEvent, since time.Time) map[string]types.TelemetryEvent {
	latest := make(map[string]types.TelemetryEvent)
	for _, e := range events {
		if e.Timestamp.Before(since) {
			continue
		}
		cur, ok := latest[e.HouseID]
		if !ok || e.Timestamp.After(cur.Timestamp) || (e.Timestamp.Equal(cur.Timestamp) && e.ID > cur.ID) {
			latest[e.HouseID] = e
		}
	}
	return latest
}
