package balancer

import (
	"github.com/phaserudder/phaserudder/pkg/analyzer"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// Export moves exporting houses. It avoids pushing more generation onto
// phases that are already over-voltage.
type Export struct {
	search
}

// NewExport returns the strategy used while the feeder is exporting.
func NewExport(houses analyzer.Houses, a *analyzer.Analyzer, settings types.Settings) *Export {
	return &Export{search{
		houses:   houses,
		analyzer: a,
		settings: settings,
		mode:     types.ModeExport,
		sign:     -1,
		avoid: func(v View) []types.Phase {
			return v.VoltageIssues.OverVoltage
		},
	}}
}

// Import moves importing houses. It avoids loading phases that are already
// under-voltage and, when any phase is under-voltage, only moves load off
// those phases.
type Import struct {
	search
}

// NewImport returns the strategy used while the feeder is consuming.
func NewImport(houses analyzer.Houses, a *analyzer.Analyzer, settings types.Settings) *Import {
	return &Import{search{
		houses:   houses,
		analyzer: a,
		settings: settings,
		mode:     types.ModeConsume,
		sign:     1,
		avoid: func(v View) []types.Phase {
			return v.VoltageIssues.UnderVoltage
		},
		sources: func(v View) []types.Phase {
			return v.VoltageIssues.UnderVoltage
		},
	}}
}
