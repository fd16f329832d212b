package txrecon

// Version is the reconciliation protocol version announced in the handshake.
const Version uint32 = 1

// minSupportedVersion is the lowest peer version we still reconcile with.
const minSupportedVersion uint32 = 1

type Config struct {
	// Q is the overhead coefficient of the difference estimator. Higher
	// values trade bandwidth for a better initial decode success rate.
	Q float64 `mapstructure:"q"`
	// MaxSetSize bounds the pending set per peer. Transactions beyond the
	// bound are left for the caller to announce directly.
	MaxSetSize int `mapstructure:"max-set-size"`
	// MaxSketchCapacity bounds the capacity of sketches we build or accept,
	// extension included.
	MaxSketchCapacity int `mapstructure:"max-sketch-capacity"`
}

func DefaultConfig() Config {
	return Config{
		Q:                 0.25,
		MaxSetSize:        3000,
		MaxSketchCapacity: 256,
	}
}
