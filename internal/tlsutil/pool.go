// tlsutil is a helper package to manage tls key and cert settings.
package tlsutil

import (
	"crypto/x509"
	"errors"
)

// PoolFromPEM constructs an x509.CertPool from a PEM-encoded certificate blob rather than a file
// path. This is the shape private-DNS configuration arrives in (a caCert string, not a path).
//
// If caCert is empty, the system root pool is returned so that a private-DNS server with no
// explicit CA still verifies against whatever public CAs the host trusts.
func PoolFromPEM(caCert string) (*x509.CertPool, error) {
	if len(caCert) == 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.New("tlsutil:PoolFromPEM:systemRoots failed: " + err.Error())
		}
		return pool, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caCert)) {
		return nil, errors.New("tlsutil:PoolFromPEM:failed to parse supplied caCert PEM")
	}

	return pool, nil
}
