package config

import "errors"

var (
	ErrNodeIDRequired      = errors.New("node ID is required")
	ErrListenAddrRequired  = errors.New("listen address is required")
	ErrInvalidBaseDelta    = errors.New("base delta must be positive")
	ErrInvalidSamplePeriod = errors.New("sample period must be positive")
	ErrInvalidFanout       = errors.New("fanout must be positive")
	ErrInvalidSampleCount  = errors.New("warm-up must be >= 0 and session timeout > 0 samples")
	ErrInvalidRegistryTTL  = errors.New("registry TTL must be positive")
	ErrInvalidPeer         = errors.New("invalid peer")
)
