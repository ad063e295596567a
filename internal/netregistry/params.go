package netregistry

import "github.com/markdingo/trustydns-core/internal/constants"

// Params carries the per-network tuning knobs the host can set via SetNameservers. Zero values
// for BaseTimeoutMsec and RetryCount are replaced with the teacher-ported RFC defaults rather
// than left at zero, the same "0 means use the default" convention resolv_params uses.
type Params struct {
	SampleValiditySeconds  int
	SuccessThresholdPercent int
	MinSamples             int
	MaxSamples             int
	BaseTimeoutMsec        int
	RetryCount             int
}

func (p Params) withDefaults() Params {
	c := constants.Get()
	if p.BaseTimeoutMsec == 0 {
		p.BaseTimeoutMsec = c.DefaultTimeoutMs
	}
	if p.RetryCount == 0 {
		p.RetryCount = c.DefaultRetryCount
	}
	return p
}
