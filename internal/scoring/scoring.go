// Package scoring provides the fraud scoring collaborators.
package scoring

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the scorer selected by cfg.Type.
func New(cfg domain.ScoringConfig, bus domain.EventBus) (domain.Scorer, error) {
	switch cfg.Type {
	case "expression", "":
		return NewExpressionScorer(cfg.Expression)

	case "remote":
		return NewRemoteScorer(cfg)

	case "bus":
		if bus == nil {
			return nil, fmt.Errorf("bus scorer requires an event bus")
		}
		return NewBusScorer(bus, time.Duration(cfg.RemoteTimeoutMs)*time.Millisecond), nil

	default:
		return nil, fmt.Errorf("unsupported scorer type: %s", cfg.Type)
	}
}
