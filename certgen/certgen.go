// Package certgen implements the stateful certificate generator that
// sits between CertBuilder/CertStore and a consumer callback. The
// server and client variants boulder-style inheritance hierarchies
// would otherwise produce are modeled here as a single tagged type
// dispatching on Kind, not two subclasses.
package certgen

import (
	"crypto"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/edgecore/gg-cert-core/certbuilder"
	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/log"
	"github.com/edgecore/gg-cert-core/metrics"
)

// Kind distinguishes the two leaf profiles a Generator can produce.
type Kind int

const (
	Server Kind = iota
	Client
)

func (k Kind) String() string {
	if k == Server {
		return "server"
	}
	return "client"
}

// CAAccessor is the subset of certstore.Store a Generator needs: access
// to the current CA certificate and private key. Defined here, not in
// certstore, so tests can supply a fake without importing the real
// keystore.
type CAAccessor interface {
	CACertificate() (*corecerts.IssuedCertificate, error)
	CAPrivateKey() (crypto.Signer, error)
}

// ConsumerFunc receives newly issued certificate material: the full
// chain [leaf, ca] for client certs, or just the leaf for server certs.
type ConsumerFunc func(chain []*corecerts.IssuedCertificate)

// HostAddressSupplier returns the current set of host addresses this
// device is reachable at; only consulted for Server-kind generators.
type HostAddressSupplier func() []string

// Generator is a stateful holder of {subject, public key, last issued
// cert, validity policy}.
type Generator struct {
	kind      Kind
	subject   string
	publicKey crypto.PublicKey
	validity  corecerts.ValidityPolicy
	ca        CAAccessor
	clk       clock.Clock
	consumer  ConsumerFunc
	log       log.Logger
	scope     metrics.Scope

	// genMu serializes Generate for this Generator. Distinct Generators
	// hold distinct mutexes and may generate concurrently.
	genMu sync.Mutex

	mu         sync.RWMutex
	lastIssued *corecerts.IssuedCertificate
}

// New constructs a Generator. consumer may be nil, in which case newly
// issued certificates are simply stored and not forwarded anywhere.
func New(
	kind Kind,
	subject string,
	publicKey crypto.PublicKey,
	ca CAAccessor,
	validity corecerts.ValidityPolicy,
	clk clock.Clock,
	consumer ConsumerFunc,
	logger log.Logger,
	scope metrics.Scope,
) *Generator {
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = log.NopLogger{}
	}
	if scope == nil {
		scope = metrics.NoopScope()
	}
	if consumer == nil {
		consumer = func([]*corecerts.IssuedCertificate) {}
	}
	return &Generator{
		kind:      kind,
		subject:   subject,
		publicKey: publicKey,
		validity:  validity,
		ca:        ca,
		clk:       clk,
		consumer:  consumer,
		log:       logger,
		scope:     scope,
	}
}

// Generate issues a fresh certificate for this subject: a server leaf
// built from hostSupplier() plus "localhost", or a client leaf ignoring
// hostSupplier entirely.
func (g *Generator) Generate(hostSupplier func() []string, reason string) error {
	g.genMu.Lock()
	defer g.genMu.Unlock()

	start := g.clk.Now()
	g.log.Infof("regenerating %s certificate for %q: %s", g.kind, g.subject, reason)

	caCert, err := g.ca.CACertificate()
	if err != nil {
		return err // already a KeyStoreError
	}
	caKey, err := g.ca.CAPrivateKey()
	if err != nil {
		return err // already a KeyStoreError
	}

	now := g.clk.Now().UTC()
	validity := g.validity.Clamp(g.validity.Default)
	notAfter := now.Add(validity)

	var leaf *corecerts.IssuedCertificate
	var chain []*corecerts.IssuedCertificate

	switch g.kind {
	case Server:
		var hosts []string
		if hostSupplier != nil {
			hosts = hostSupplier()
		}
		leaf, err = certbuilder.SignServerCert(caCert, caKey, g.subject, g.publicKey, hosts, now, notAfter)
		if err != nil {
			g.scope.Inc("certgen.generate.errors", 1)
			return err // already a CertGenError
		}
		chain = []*corecerts.IssuedCertificate{leaf}
	case Client:
		leaf, err = certbuilder.SignClientCert(caCert, caKey, g.subject, g.publicKey, now, notAfter)
		if err != nil {
			g.scope.Inc("certgen.generate.errors", 1)
			return err // already a CertGenError
		}
		chain = []*corecerts.IssuedCertificate{leaf, caCert}
	default:
		return certerrors.CertGen(nil, "unknown CertGen kind %v", g.kind)
	}

	g.mu.Lock()
	g.lastIssued = leaf
	g.mu.Unlock()

	g.consumer(chain)

	g.scope.Inc("certgen.generate.success", 1)
	g.scope.TimingDuration("certgen.generate.duration", g.clk.Now().Sub(start))
	return nil
}

// ShouldRegenerate reports whether this Generator's current certificate
// needs to be replaced: it is missing, already expired, or will expire
// within 24 hours.
func (g *Generator) ShouldRegenerate() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.lastIssued == nil {
		return true
	}
	now := g.clk.Now()
	notAfter := g.lastIssued.NotAfter()
	return !now.Before(notAfter) || now.Add(24*time.Hour).After(notAfter)
}

// ExpiryTime returns the current certificate's NotAfter, or the zero
// time (the earliest representable instant) if none has been issued yet.
func (g *Generator) ExpiryTime() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.lastIssued == nil {
		return time.Time{}
	}
	return g.lastIssued.NotAfter()
}

// Subject returns the subject this Generator issues certificates for,
// primarily for logging and test assertions.
func (g *Generator) Subject() string {
	return g.subject
}

// GenKind returns whether this is a Server or Client generator.
func (g *Generator) GenKind() Kind {
	return g.kind
}
