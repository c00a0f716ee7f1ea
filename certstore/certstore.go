// Package certstore owns the CA keypair and certificate: the keyed,
// encrypted local bundle, the plaintext PEM distribution copy, and
// per-device leaf persistence. It plays the role boulder's
// ca.CertificateAuthorityImpl plays for its CA key material, but as a
// stateful owner of on-disk, passphrase-encrypted storage rather than a
// thin client of a remote CFSSL signer.
package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/edgecore/gg-cert-core/certbuilder"
	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/log"
)

const (
	caBundleFile = "ca.jks"
	caPEMFile    = "ca.pem"
	deviceSubdir = "devices"

	caAlias = "CA"

	caValidityPeriod = 5 * 365 * 24 * time.Hour

	// ownerReadWrite is the required file mode for the keystore:
	// owner read+write only.
	ownerReadWrite = 0o600
	ownerRWX       = 0o700
)

// Store owns the process-wide CA bundle and the device-leaf PEM cache on
// disk under workDir.
type Store struct {
	workDir string
	log     log.Logger

	mu     sync.RWMutex
	bundle *corecerts.CABundle
}

// New returns a Store rooted at workDir. Update must be called before
// CACertificate/CAPrivateKey are usable.
func New(workDir string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NopLogger{}
	}
	return &Store{workDir: workDir, log: logger}
}

// onDiskBundle is the plaintext structure encrypted into ca.jks.
type onDiskBundle struct {
	Alias     string           `json:"alias"`
	Algorithm corecerts.CAType `json:"algorithm"`
	KeyDER    []byte           `json:"keyDer"` // PKCS8
	CertDER   []byte           `json:"certDer"`
}

// Update is the idempotent initializer. It loads the on-disk
// bundle if present, decryptable with passphrase, and matching caType;
// otherwise it generates a fresh keypair, self-signs a CA cert, and
// persists it under a freshly-generated random passphrase if none was
// supplied.
func (s *Store) Update(passphrase string, caType corecerts.CAType) error {
	if !caType.Valid() {
		return certerrors.KeyStore(nil, "unsupported CA type %q", caType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bundle, err := s.tryLoad(passphrase, caType); err == nil {
		s.bundle = bundle
		return nil
	} else {
		s.log.Infof("CA bundle load failed, regenerating: %s", err)
	}

	if passphrase == "" {
		var err error
		passphrase, err = generatePassphrase()
		if err != nil {
			return certerrors.KeyStore(err, "generate CA passphrase")
		}
	}

	bundle, err := s.generateAndPersist(passphrase, caType)
	if err != nil {
		return err
	}
	s.bundle = bundle
	return nil
}

func (s *Store) tryLoad(passphrase string, caType corecerts.CAType) (*corecerts.CABundle, error) {
	path := filepath.Join(s.workDir, caBundleFile)
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := decrypt(ciphertext, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt CA bundle: %w", err)
	}
	var disk onDiskBundle
	if err := json.Unmarshal(plaintext, &disk); err != nil {
		return nil, fmt.Errorf("parse CA bundle: %w", err)
	}
	if disk.Alias != caAlias {
		return nil, fmt.Errorf("unexpected keystore alias %q", disk.Alias)
	}
	// Invariant: algorithm on the loaded key must match the
	// requested algorithm; otherwise the bundle is discarded.
	if disk.Algorithm != caType {
		return nil, fmt.Errorf("stored CA algorithm %q does not match requested %q", disk.Algorithm, caType)
	}

	key, err := x509.ParsePKCS8PrivateKey(disk.KeyDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("stored CA key is not a signer")
	}
	cert, err := x509.ParseCertificate(disk.CertDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return &corecerts.CABundle{
		Cert:       cert,
		Key:        signer,
		Passphrase: []byte(passphrase),
		Algorithm:  caType,
	}, nil
}

func (s *Store) generateAndPersist(passphrase string, caType corecerts.CAType) (*corecerts.CABundle, error) {
	key, err := generateKey(caType)
	if err != nil {
		return nil, certerrors.KeyStore(err, "generate CA key")
	}

	now := time.Now().UTC()
	issued, err := certbuilder.CreateCACert(key, now, now.Add(caValidityPeriod))
	if err != nil {
		return nil, certerrors.KeyStore(err, "create CA certificate")
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, certerrors.KeyStore(err, "marshal CA key")
	}

	disk := onDiskBundle{
		Alias:     caAlias,
		Algorithm: caType,
		KeyDER:    keyDER,
		CertDER:   issued.DER,
	}
	plaintext, err := json.Marshal(disk)
	if err != nil {
		return nil, certerrors.KeyStore(err, "marshal CA bundle")
	}
	ciphertext, err := encrypt(plaintext, passphrase)
	if err != nil {
		return nil, certerrors.KeyStore(err, "encrypt CA bundle")
	}

	if err := os.MkdirAll(s.workDir, ownerRWX); err != nil {
		return nil, certerrors.KeyStore(err, "create work directory")
	}
	if err := atomicWriteFile(filepath.Join(s.workDir, caBundleFile), ciphertext, ownerReadWrite); err != nil {
		return nil, certerrors.KeyStore(err, "persist CA bundle")
	}
	if err := atomicWriteFile(filepath.Join(s.workDir, caPEMFile), []byte(certbuilder.PEMEncode(issued)), 0o644); err != nil {
		return nil, certerrors.KeyStore(err, "persist CA PEM")
	}

	return &corecerts.CABundle{
		Cert:       issued.Certificate,
		Key:        key,
		Passphrase: []byte(passphrase),
		Algorithm:  caType,
	}, nil
}

// CACertificate returns the loaded CA certificate. Update must have
// succeeded first.
func (s *Store) CACertificate() (*corecerts.IssuedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bundle == nil {
		return nil, certerrors.KeyStore(nil, "CA bundle not initialized; call Update first")
	}
	return &corecerts.IssuedCertificate{Certificate: s.bundle.Cert, DER: s.bundle.Cert.Raw}, nil
}

// CAPrivateKey returns the loaded CA private key. Update must have
// succeeded first.
func (s *Store) CAPrivateKey() (crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bundle == nil {
		return nil, certerrors.KeyStore(nil, "CA bundle not initialized; call Update first")
	}
	return s.bundle.Key, nil
}

// StoreDeviceCertificateIfAbsent writes pemBytes to
// <workdir>/devices/<certID>.pem, a no-op if that file already exists.
func (s *Store) StoreDeviceCertificateIfAbsent(certID string, pemBytes []byte) error {
	dir := filepath.Join(s.workDir, deviceSubdir)
	if err := os.MkdirAll(dir, ownerRWX); err != nil {
		return certerrors.KeyStore(err, "create device directory")
	}
	path := filepath.Join(dir, certID+".pem")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return certerrors.KeyStore(err, "stat device certificate %s", certID)
	}
	if err := atomicWriteFile(path, pemBytes, ownerReadWrite); err != nil {
		return certerrors.KeyStore(err, "persist device certificate %s", certID)
	}
	return nil
}

// LoadDeviceCertificate reads back a previously stored device leaf PEM.
func (s *Store) LoadDeviceCertificate(certID string) ([]byte, error) {
	path := filepath.Join(s.workDir, deviceSubdir, certID+".pem")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, certerrors.KeyStore(err, "load device certificate %s", certID)
	}
	return b, nil
}

func generateKey(caType corecerts.CAType) (crypto.Signer, error) {
	switch caType {
	case corecerts.RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case corecerts.ECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported CA type %q", caType)
	}
}

// generatePassphrase returns 16 CSPRNG bytes mapped to printable ASCII
// via (b & 0x7F) mod ('~'-' ') + ' ', which yields 0x20-0x7D ('~'
// itself is never produced).
func generatePassphrase() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	const lo = ' '
	const hi = '~'
	out := make([]byte, 16)
	for i, b := range raw {
		out[i] = byte(int(b&0x7F)%(hi-lo) + lo)
	}
	return string(out), nil
}

func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// encrypt derives a key from passphrase via scrypt and seals plaintext
// with NaCl secretbox (XSalsa20-Poly1305), prefixing the salt and nonce.
func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := append([]byte{}, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

func decrypt(ciphertext []byte, passphrase string) ([]byte, error) {
	if len(ciphertext) < 16+24 {
		return nil, errors.New("ciphertext too short")
	}
	salt := ciphertext[:16]
	var nonce [24]byte
	copy(nonce[:], ciphertext[16:40])
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, ciphertext[40:], &nonce, key)
	if !ok {
		return nil, errors.New("decryption failed: wrong passphrase or corrupt bundle")
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
