/*
Package dnsutil provides helper methods to inspect a "github.com/miekg/dns.Msg". The caller is
assumed to have checked that the dns.Msg is a legitimate IN/Query prior to calling any of these
functions.
*/
package dnsutil

import (
	"github.com/miekg/dns"
)

// FindOPT searches dns.Msg.Extra for the first occurrence of an OPT RR. There should only be one.
//
// Return *dns.OPT if found otherwise nil
func FindOPT(q *dns.Msg) *dns.OPT {
	for _, rr := range q.Extra { // Search Extra for OPT RRs
		if opt, ok := rr.(*dns.OPT); ok {
			return opt
		}
	}

	return nil
}
