package domain

import "context"

// Scorer is the opaque scoring collaborator. Implementations map a feature set
// to a fraud probability in [0, 1]; any failure is reported as an error.
type Scorer interface {
	Score(ctx context.Context, f *Features) (Score, error)

	// Ready reports whether the model is loaded and reachable.
	Ready(ctx context.Context) error

	Name() string
}

// ScoringConfig holds configuration for the scoring collaborator.
type ScoringConfig struct {
	// Type is the scorer: "expression", "remote" or "bus"
	Type string `json:"type" mapstructure:"type"`

	// Expression scorer
	Expression string `json:"expression" mapstructure:"expression"`

	// Remote scorer
	RemoteURL        string `json:"remoteUrl" mapstructure:"remote_url"`
	RemoteTimeoutMs  int    `json:"remoteTimeoutMs" mapstructure:"remote_timeout_ms"`
	BreakerThreshold uint32 `json:"breakerThreshold" mapstructure:"breaker_threshold"`
	BreakerCooldownS int    `json:"breakerCooldownS" mapstructure:"breaker_cooldown_s"`

	// Serve answers scoring.request messages on the bus with the local scorer
	Serve bool `json:"serve" mapstructure:"serve"`
}
