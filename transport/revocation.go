package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const maxCRLSize = 16 << 20

// revocationChecker checks the server certificate against the CRLs named in
// its distribution points. It is installed as tls.Config.VerifyConnection.
type revocationChecker struct {
	fetch   *http.Client
	relaxed atomic.Bool
	now     func() time.Time

	mu      sync.Mutex
	cache   map[string]*x509.RevocationList
	lastErr error
}

func newRevocationChecker(timeout time.Duration) *revocationChecker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &revocationChecker{
		fetch: &http.Client{Timeout: timeout},
		now:   time.Now,
		cache: make(map[string]*x509.RevocationList),
	}
}

// relax makes unavailable revocation information non-fatal.
func (r *revocationChecker) relax() {
	r.relaxed.Store(true)
}

// take returns and clears the last verification failure.
func (r *revocationChecker) take() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lastErr
	r.lastErr = nil
	return err
}

func (r *revocationChecker) fail(err error) error {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	return err
}

func (r *revocationChecker) verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	leaf := cs.PeerCertificates[0]
	if len(leaf.CRLDistributionPoints) == 0 {
		return nil
	}

	list, err := r.list(leaf.CRLDistributionPoints, issuerOf(cs))
	if err != nil {
		if r.relaxed.Load() {
			return nil
		}
		return r.fail(fmt.Errorf("%w: %v", ErrRevocationUnavailable, err))
	}

	for _, entry := range list.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
			return r.fail(fmt.Errorf("%w: serial %s", ErrCertificateRevoked, leaf.SerialNumber))
		}
	}
	return nil
}

func issuerOf(cs tls.ConnectionState) *x509.Certificate {
	if len(cs.VerifiedChains) > 0 && len(cs.VerifiedChains[0]) > 1 {
		return cs.VerifiedChains[0][1]
	}
	if len(cs.PeerCertificates) > 1 {
		return cs.PeerCertificates[1]
	}
	return nil
}

func (r *revocationChecker) list(points []string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	var lastErr error
	for _, point := range points {
		if !strings.HasPrefix(point, "http://") && !strings.HasPrefix(point, "https://") {
			continue
		}

		r.mu.Lock()
		cached, ok := r.cache[point]
		r.mu.Unlock()
		if ok && !r.stale(cached) {
			return cached, nil
		}

		list, err := r.download(point)
		if err != nil {
			lastErr = err
			continue
		}
		if issuer != nil {
			if err := list.CheckSignatureFrom(issuer); err != nil {
				lastErr = fmt.Errorf("bad CRL signature from %s: %w", point, err)
				continue
			}
		}
		if r.stale(list) {
			lastErr = fmt.Errorf("CRL from %s is outdated", point)
			continue
		}

		r.mu.Lock()
		r.cache[point] = list
		r.mu.Unlock()
		return list, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no usable CRL distribution point")
	}
	return nil, lastErr
}

func (r *revocationChecker) stale(list *x509.RevocationList) bool {
	return !list.NextUpdate.IsZero() && r.now().After(list.NextUpdate)
}

func (r *revocationChecker) download(point string) (*x509.RevocationList, error) {
	resp, err := r.fetch.Get(point)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch CRL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch CRL from %s: status %d", point, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCRLSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read CRL: %w", err)
	}

	list, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL from %s: %w", point, err)
	}
	return list, nil
}
