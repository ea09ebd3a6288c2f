package types

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CurrentHouseStateVersion is stored alongside persisted snapshots so that
	// older snapshots can be detected on load.
	CurrentHouseStateVersion = 1

	// ConflictMarker tags recommendations that exist to break an intra-phase
	// export/import cancellation. Such moves bypass the improvement gates.
	ConflictMarker = "CONFLICT"
)

// Epoch is the LastChanged value given to newly registered houses so they are
// immediately eligible for switching.
var Epoch = time.Unix(0, 0).UTC()

// Reading is a single telemetry sample from a house.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	PowerKW   float64   `json:"powerKW"` // negative for export, positive for import
}

// Expired returns true if the reading is older than expiry relative to now.
// A non-positive expiry disables expiration.
func (r Reading) Expired(now time.Time, expiry time.Duration) bool {
	if expiry <= 0 {
		return false
	}
	return now.Sub(r.Timestamp) > expiry
}

// HouseState is everything the engine knows about a single house.
type HouseState struct {
	HouseID         string    `json:"houseID"`
	Phase           Phase     `json:"phase"`
	LastChanged     time.Time `json:"lastChanged"`
	LastReading     *Reading  `json:"lastReading,omitempty"`
	SmoothedPowerKW *float64  `json:"smoothedPowerKW,omitempty"`
}

// NeverSwitched returns true if the house has not changed phase since it was
// registered.
func (h HouseState) NeverSwitched() bool {
	return !h.LastChanged.After(Epoch)
}

// Clone returns a deep copy so callers can't mutate store-owned pointers.
func (h HouseState) Clone() HouseState {
	c := h
	if h.LastReading != nil {
		r := *h.LastReading
		c.LastReading = &r
	}
	if h.SmoothedPowerKW != nil {
		v := *h.SmoothedPowerKW
		c.SmoothedPowerKW = &v
	}
	return c
}

// Telemetry is a reading as submitted by an ingestion layer.
type Telemetry struct {
	HouseID string  `json:"houseID"`
	Phase   string  `json:"phase"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	PowerKW float64 `json:"powerKW"`
}

// Validate checks the telemetry for values that can't be aggregated.
func (t Telemetry) Validate() error {
	if strings.TrimSpace(t.HouseID) == "" {
		return ErrInvalidTelemetry
	}
	for _, v := range []float64{t.Voltage, t.Current, t.PowerKW} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidTelemetry
		}
	}
	return nil
}

// PhaseStats is the aggregate of all unexpired houses on a phase.
type PhaseStats struct {
	Phase        Phase   `json:"phase"`
	TotalPowerKW float64 `json:"totalPowerKW"`
	HouseCount   int     `json:"houseCount"`
	AvgVoltage   float64 `json:"avgVoltage"`
}

// Mode is the operating regime of the feeder.
type Mode string

const (
	ModeExport  Mode = "EXPORT"
	ModeConsume Mode = "CONSUME"
)

// ModeState is the debounce state over the raw detected mode.
type ModeState struct {
	Confirmed    Mode      `json:"confirmed"`
	Pending      Mode      `json:"pending"`
	PendingSince time.Time `json:"pendingSince"`
}

// VoltageIssues lists the phases flagged for each voltage or load condition.
type VoltageIssues struct {
	OverVoltage     []Phase `json:"OVER_VOLTAGE"`
	UnderVoltage    []Phase `json:"UNDER_VOLTAGE"`
	Overload        []Phase `json:"OVERLOAD"`
	ExcessiveExport []Phase `json:"EXCESSIVE_EXPORT"`
}

// Empty returns true if no phase is flagged.
func (v VoltageIssues) Empty() bool {
	return len(v.OverVoltage) == 0 && len(v.UnderVoltage) == 0 && len(v.Overload) == 0 && len(v.ExcessiveExport) == 0
}

// PhaseLoad is a phase whose total exceeded the overload limit in either
// direction.
type PhaseLoad struct {
	Phase   Phase   `json:"phase"`
	PowerKW float64 `json:"powerKW"`
	Type    string  `json:"type"` // import or export
}

// PowerIssues classifies phases by how much they export or import.
type PowerIssues struct {
	OverloadedPhases []PhaseLoad `json:"overloadedPhases"`
	HighExportPhases []Phase     `json:"highExportPhases"`
	HighImportPhases []Phase     `json:"highImportPhases"`
	MaxExportPhase   *Phase      `json:"maxExportPhase"`
	MaxImportPhase   *Phase      `json:"maxImportPhase"`
}

// Empty returns true if no phase is flagged.
func (p PowerIssues) Empty() bool {
	return len(p.OverloadedPhases) == 0 && len(p.HighExportPhases) == 0 && len(p.HighImportPhases) == 0
}

// InternalImbalance describes exporters and importers cancelling each other
// out within a single phase.
type InternalImbalance struct {
	Phase               Phase   `json:"phase"`
	ExportKW            float64 `json:"exportKW"`
	ImportKW            float64 `json:"importKW"`
	InternalImbalanceKW float64 `json:"internalImbalanceKW"`
	HasConflict         bool    `json:"hasConflict"`
}

// PhaseDetail combines the net total of a phase with its internal split.
type PhaseDetail struct {
	InternalImbalance
	NetPowerKW float64 `json:"netPowerKW"`
}

// RecommendedSwitch is a single proposed phase reassignment.
type RecommendedSwitch struct {
	HouseID        string  `json:"houseID"`
	FromPhase      Phase   `json:"fromPhase"`
	ToPhase        Phase   `json:"toPhase"`
	ImprovementKW  float64 `json:"improvementKW"`
	NewImbalanceKW float64 `json:"newImbalanceKW"`
	Reason         string  `json:"reason"`
}

// IsConflictResolution returns true if the recommendation was produced to
// break an intra-phase conflict.
func (r RecommendedSwitch) IsConflictResolution() bool {
	return strings.Contains(strings.ToUpper(r.Reason), ConflictMarker)
}

// CycleStatus is the result of one decision cycle.
type CycleStatus struct {
	Timestamp      time.Time          `json:"timestamp"`
	Mode           Mode               `json:"mode"`
	RawMode        Mode               `json:"rawMode"`
	ImbalanceKW    float64            `json:"imbalanceKW"`
	PhaseStats     []PhaseStats       `json:"phaseStats"`
	VoltageIssues  VoltageIssues      `json:"phaseIssues"`
	PowerIssues    PowerIssues        `json:"powerIssues"`
	Healthy        bool               `json:"healthy"`
	Recommendation *RecommendedSwitch `json:"recommendation"`
	Rejection      string             `json:"rejection,omitempty"`
	PersistError   string             `json:"persistError,omitempty"`
}

// SwitchEvent is the durable record of an applied switch.
type SwitchEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	HouseID   string    `json:"houseID"`
	FromPhase Phase     `json:"fromPhase"`
	ToPhase   Phase     `json:"toPhase"`
	Reason    string    `json:"reason"`
}

// TelemetryEvent is the durable record of a reading.
type TelemetryEvent struct {
	ID        string    `json:"id"`
	HouseID   string    `json:"houseID"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	PowerKW   float64   `json:"powerKW"`
}

// Reading converts the event back into a Reading.
func (e TelemetryEvent) Reading() Reading {
	return Reading{
		Timestamp: e.Timestamp,
		Voltage:   e.Voltage,
		Current:   e.Current,
		PowerKW:   e.PowerKW,
	}
}

// NewEventID returns a random id for a durable event so that retried appends
// overwrite rather than duplicate.
func NewEventID() string {
	return uuid.NewString()
}

// HouseReading is the presentation view of a house and its latest reading.
type HouseReading struct {
	HouseID         string    `json:"houseID"`
	Phase           Phase     `json:"phase"`
	Voltage         float64   `json:"voltage"`
	Current         float64   `json:"current"`
	PowerKW         float64   `json:"powerKW"`
	SmoothedPowerKW *float64  `json:"smoothedPowerKW,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Mode            Mode      `json:"mode"`
	LastChanged     time.Time `json:"lastChanged"`
}

// PhaseAnalytics is a phase with the houses currently assigned to it.
type PhaseAnalytics struct {
	PhaseStats
	Houses []HouseReading `json:"houses"`
}

// Snapshot is a read-only view of the engine used by dashboards. Building it
// does not advance the mode debounce.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	Mode          Mode             `json:"mode"`
	RawMode       Mode             `json:"rawMode"`
	ImbalanceKW   float64          `json:"imbalanceKW"`
	Phases        []PhaseAnalytics `json:"phases"`
	Details       []PhaseDetail    `json:"details"`
	VoltageIssues VoltageIssues    `json:"phaseIssues"`
	PowerIssues   PowerIssues      `json:"powerIssues"`
	Houses        int              `json:"housesRegistered"`
}
