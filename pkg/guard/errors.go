package guard

import "errors"

var (
	ErrOffline       = errors.New("exchange offline")
	ErrCoolingDown   = errors.New("breaker cooling down")
	ErrProbeInFlight = errors.New("probe already in flight")
)
