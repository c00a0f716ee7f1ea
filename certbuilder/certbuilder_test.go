package certbuilder

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCAKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestCreateCACert(t *testing.T) {
	key := testCAKey(t)
	now := time.Now().UTC()
	ca, err := CreateCACert(key, now, now.Add(5*365*24*time.Hour))
	require.NoError(t, err)

	require.True(t, ca.Certificate.IsCA)
	require.True(t, ca.Certificate.BasicConstraintsValid)
	require.Equal(t, "Greengrass Core CA", ca.Certificate.Subject.CommonName)
	require.Less(t, ca.Certificate.SerialNumber.BitLen(), 161)
}

func TestSignServerCertSANs(t *testing.T) {
	caKey := testCAKey(t)
	now := time.Now().UTC()
	ca, err := CreateCACert(caKey, now, now.Add(time.Hour))
	require.NoError(t, err)

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hosts := []string{"10.0.0.1", "device.local", "10.0.0.1", "2001:db8::1"}
	leaf, err := SignServerCert(ca, caKey, "device-1", &leafKey.PublicKey, hosts, now, now.Add(time.Hour))
	require.NoError(t, err)

	require.False(t, leaf.Certificate.IsCA)
	require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, leaf.Certificate.ExtKeyUsage)
	require.ElementsMatch(t, []string{"device.local", "localhost"}, leaf.Certificate.DNSNames)

	var ipStrs []string
	for _, ip := range leaf.Certificate.IPAddresses {
		ipStrs = append(ipStrs, ip.String())
	}
	require.ElementsMatch(t, []string{"10.0.0.1", "2001:db8::1"}, ipStrs)
}

func TestSignClientCertHasNoSAN(t *testing.T) {
	caKey := testCAKey(t)
	now := time.Now().UTC()
	ca, err := CreateCACert(caKey, now, now.Add(time.Hour))
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	leaf, err := SignClientCert(ca, caKey, "client-1", &leafKey.PublicKey, now, now.Add(time.Hour))
	require.NoError(t, err)

	require.Empty(t, leaf.Certificate.DNSNames)
	require.Empty(t, leaf.Certificate.IPAddresses)
	require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.Certificate.ExtKeyUsage)
}

func TestPEMRoundTrip(t *testing.T) {
	caKey := testCAKey(t)
	now := time.Now().UTC()
	ca, err := CreateCACert(caKey, now, now.Add(time.Hour))
	require.NoError(t, err)

	encoded := PEMEncode(ca)
	decoded, err := PEMDecode([]byte(encoded))
	require.NoError(t, err)
	require.Equal(t, ca.DER, decoded.DER)
	require.Equal(t, ca.Certificate.SerialNumber, decoded.Certificate.SerialNumber)
}

func TestCreateCSRRoundTrip(t *testing.T) {
	key := testCAKey(t)
	pemCSR, err := CreateCSR(key, "gg-device", []net.IP{net.ParseIP("192.168.1.5")}, []string{"gg-device.local"})
	require.NoError(t, err)

	csr, err := PEMDecodeCSR([]byte(pemCSR))
	require.NoError(t, err)
	require.Equal(t, "gg-device", csr.Subject.CommonName)
	require.ElementsMatch(t, []string{"gg-device.local"}, csr.DNSNames)
	require.Len(t, csr.IPAddresses, 1)
	require.Equal(t, "192.168.1.5", csr.IPAddresses[0].String())
}

func TestSerialsDiffer(t *testing.T) {
	caKey := testCAKey(t)
	now := time.Now().UTC()
	ca1, err := CreateCACert(caKey, now, now.Add(time.Hour))
	require.NoError(t, err)
	ca2, err := CreateCACert(caKey, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.NotEqual(t, ca1.Certificate.SerialNumber, ca2.Certificate.SerialNumber)
}
