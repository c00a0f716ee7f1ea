// Package certbuilder holds the pure, stateless certificate-construction
// functions: the CA self-signed certificate, server/client leaf signing,
// PEM encoding/decoding, and CSR assembly. It is grounded on
// boulder's cmd/ceremony/cert.go template-construction style
// (generateSKID, random serial generation, makeTemplate) generalized
// from boulder's offline-ceremony tool into an online signing path.
package certbuilder

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/corecerts"
)

// dnScaffolding is the fixed Distinguished-Name scaffolding every issued
// leaf certificate and CSR embeds; the CA uses caDNScaffolding instead.
func dnScaffolding(commonName string) pkix.Name {
	return pkix.Name{
		Country:            []string{"US"},
		Province:           []string{"Washington"},
		Locality:           []string{"Seattle"},
		Organization:       []string{"Amazon.com Inc."},
		OrganizationalUnit: []string{"Amazon Web Services"},
		CommonName:         commonName,
	}
}

// caDNScaffolding is the fixed root CA subject
func caDNScaffolding() pkix.Name {
	return pkix.Name{
		Country:            []string{"US"},
		Province:           []string{"Washington"},
		Locality:           []string{"Seattle"},
		Organization:       []string{"Greengrass Core CA"},
		OrganizationalUnit: []string{"Greengrass"},
		CommonName:         "Greengrass Core CA",
	}
}

// randomSerial returns a uniformly random non-negative integer that fits
// in 160 bits (20 random bytes with the top bit cleared, so at most 159
// significant bits), following the teacher's cmd/ceremony/cert.go pattern of reading
// random bytes directly into a big.Int rather than using x509's serial
// helper.
func randomSerial() (*big.Int, error) {
	buf := make([]byte, 20) // 160 bits
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	// Clear the top bit so the value is never interpreted as negative by
	// any DER consumer that treats SerialNumber as a signed INTEGER.
	buf[0] &= 0x7F
	return new(big.Int).SetBytes(buf), nil
}

// signatureAlgorithmForPublicKey selects the signing algorithm from the
// CA key's algorithm: "RSA→SHA256withRSA,
// EC→SHA256withECDSA".
func signatureAlgorithmForPublicKey(pub crypto.PublicKey) x509.SignatureAlgorithm {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	default:
		return x509.SHA256WithRSA
	}
}

// CreateCACert self-signs a new CA certificate over keypair, valid for
// [notBefore, notAfter], with the fixed Greengrass CA subject.
func CreateCACert(key crypto.Signer, notBefore, notAfter time.Time) (*corecerts.IssuedCertificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, certerrors.CertGen(err, "generate CA serial")
	}

	skid, err := subjectKeyID(key.Public())
	if err != nil {
		return nil, certerrors.CertGen(err, "compute CA subject key id")
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               caDNScaffolding(),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
		SignatureAlgorithm:    signatureAlgorithmForPublicKey(key.Public()),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, certerrors.CertGen(err, "self-sign CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, certerrors.CertGen(err, "parse newly-signed CA certificate")
	}
	return &corecerts.IssuedCertificate{Certificate: cert, DER: der}, nil
}

// subjectKeyID computes the SubjectKeyIdentifier from the subject public
// key, following the same approach as boulder's cmd/ceremony/cert.go
// generateSKID: SHA-1 over the raw BIT STRING of the marshaled
// SubjectPublicKeyInfo.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	skid := sha1.Sum(spki.PublicKey.Bytes)
	return skid[:], nil
}

// SignServerCert signs subjectPublicKey into a server leaf certificate
// under caCert/caKey, with a SAN extension built from hostAddresses plus
// "localhost".
func SignServerCert(
	caCert *corecerts.IssuedCertificate,
	caKey crypto.Signer,
	commonName string,
	subjectPublicKey crypto.PublicKey,
	hostAddresses []string,
	notBefore, notAfter time.Time,
) (*corecerts.IssuedCertificate, error) {
	sanEntries := corecerts.BuildServerSANSet(hostAddresses)

	var dnsNames []string
	var ipAddrs []net.IP
	for _, e := range sanEntries {
		if e.IsIP {
			ipAddrs = append(ipAddrs, net.ParseIP(e.Value))
		} else {
			dnsNames = append(dnsNames, e.Value)
		}
	}

	tmpl, err := leafTemplate(caCert, commonName, subjectPublicKey, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	tmpl.DNSNames = dnsNames
	tmpl.IPAddresses = ipAddrs
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}

	return signLeaf(tmpl, caCert, caKey, subjectPublicKey)
}

// SignClientCert signs subjectPublicKey into a client leaf certificate.
// Client leaves carry no SAN.
func SignClientCert(
	caCert *corecerts.IssuedCertificate,
	caKey crypto.Signer,
	commonName string,
	subjectPublicKey crypto.PublicKey,
	notBefore, notAfter time.Time,
) (*corecerts.IssuedCertificate, error) {
	tmpl, err := leafTemplate(caCert, commonName, subjectPublicKey, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}

	return signLeaf(tmpl, caCert, caKey, subjectPublicKey)
}

func leafTemplate(caCert *corecerts.IssuedCertificate, commonName string, subjectPublicKey crypto.PublicKey, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, certerrors.CertGen(err, "generate leaf serial")
	}
	skid, err := subjectKeyID(subjectPublicKey)
	if err != nil {
		return nil, certerrors.CertGen(err, "compute leaf subject key id")
	}

	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               dnScaffolding(commonName),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          skid,
		AuthorityKeyId:        caCert.Certificate.SubjectKeyId,
		SignatureAlgorithm:    signatureAlgorithmForPublicKey(caCert.Certificate.PublicKey),
	}, nil
}

func signLeaf(tmpl *x509.Certificate, caCert *corecerts.IssuedCertificate, caKey crypto.Signer, subjectPublicKey crypto.PublicKey) (*corecerts.IssuedCertificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert.Certificate, subjectPublicKey, caKey)
	if err != nil {
		return nil, certerrors.CertGen(err, "sign leaf certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, certerrors.CertGen(err, "parse newly-signed leaf certificate")
	}
	return &corecerts.IssuedCertificate{Certificate: cert, DER: der}, nil
}

// PEMEncode encodes a certificate as a standard RFC 7468 PEM block of
// type CERTIFICATE.
func PEMEncode(cert *corecerts.IssuedCertificate) string {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.DER}
	return string(pem.EncodeToMemory(block))
}

// PEMDecode parses a PEM-encoded CERTIFICATE block back into an
// IssuedCertificate.
func PEMDecode(pemBytes []byte) (*corecerts.IssuedCertificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certbuilder: expected a CERTIFICATE PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &corecerts.IssuedCertificate{Certificate: cert, DER: block.Bytes}, nil
}

// CreateCSR assembles a PKCS#10 CSR for commonName over keypair, with
// SAN entries carried via the extensionRequest attribute.
func CreateCSR(key crypto.Signer, commonName string, ips []net.IP, dnsNames []string) (string, error) {
	tmpl := &x509.CertificateRequest{
		Subject:     dnScaffolding(commonName),
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return "", certerrors.CertGen(err, "create CSR")
	}
	block := &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PEMDecodeCSR parses a PEM-encoded CERTIFICATE REQUEST block.
func PEMDecodeCSR(pemBytes []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("certbuilder: expected a CERTIFICATE REQUEST PEM block")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}
