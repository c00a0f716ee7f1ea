package certstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgecore/gg-cert-core/corecerts"
)

func TestUpdateCreatesAndPersistsBundle(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	err := s.Update("correct horse battery staple", corecerts.ECDSAP256)
	require.NoError(t, err)

	cert, err := s.CACertificate()
	require.NoError(t, err)
	require.True(t, cert.Certificate.IsCA)

	key, err := s.CAPrivateKey()
	require.NoError(t, err)
	require.NotNil(t, key)
}

func TestUpdateIsIdempotentForSamePassphraseAndType(t *testing.T) {
	dir := t.TempDir()

	s1 := New(dir, nil)
	require.NoError(t, s1.Update("hunter2-hunter2", corecerts.RSA2048))
	cert1, err := s1.CACertificate()
	require.NoError(t, err)

	s2 := New(dir, nil)
	require.NoError(t, s2.Update("hunter2-hunter2", corecerts.RSA2048))
	cert2, err := s2.CACertificate()
	require.NoError(t, err)

	require.Equal(t, cert1.Certificate.SerialNumber, cert2.Certificate.SerialNumber)
	require.Equal(t, cert1.Certificate.Raw, cert2.Certificate.Raw)
}

func TestUpdateRegeneratesOnAlgorithmMismatch(t *testing.T) {
	dir := t.TempDir()

	s1 := New(dir, nil)
	require.NoError(t, s1.Update("passphrase-1", corecerts.RSA2048))
	cert1, err := s1.CACertificate()
	require.NoError(t, err)

	s2 := New(dir, nil)
	require.NoError(t, s2.Update("passphrase-1", corecerts.ECDSAP256))
	cert2, err := s2.CACertificate()
	require.NoError(t, err)

	require.NotEqual(t, cert1.Certificate.SerialNumber, cert2.Certificate.SerialNumber)
}

func TestUpdateRegeneratesOnWrongPassphrase(t *testing.T) {
	dir := t.TempDir()

	s1 := New(dir, nil)
	require.NoError(t, s1.Update("original-pass", corecerts.ECDSAP256))

	s2 := New(dir, nil)
	require.NoError(t, s2.Update("different-pass", corecerts.ECDSAP256))

	key, err := s2.CAPrivateKey()
	require.NoError(t, err)
	require.NotNil(t, key)
}

func TestDeviceCertificateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	pem := []byte("-----BEGIN CERTIFICATE-----\nfakedata\n-----END CERTIFICATE-----\n")
	require.NoError(t, s.StoreDeviceCertificateIfAbsent("device-abc", pem))

	loaded, err := s.LoadDeviceCertificate("device-abc")
	require.NoError(t, err)
	require.Equal(t, pem, loaded)

	// Writing again with different content is a no-op; original is kept.
	require.NoError(t, s.StoreDeviceCertificateIfAbsent("device-abc", []byte("different")))
	loaded2, err := s.LoadDeviceCertificate("device-abc")
	require.NoError(t, err)
	require.Equal(t, pem, loaded2)
}

func TestAccessorsFailBeforeUpdate(t *testing.T) {
	s := New(t.TempDir(), nil)
	_, err := s.CACertificate()
	require.Error(t, err)
	_, err = s.CAPrivateKey()
	require.Error(t, err)
}
