package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// TLS protocol names accepted for the minimum version setting.
const (
	TLSv12 = "TLSv1.2"
	TLSv13 = "TLSv1.3"
)

// LoadKeyStore reads a client certificate and its private key.
//
// Files ending in .p12 or .pfx are decoded as PKCS#12 using passphrase;
// anything else must be a PEM bundle holding the certificate chain and an
// unencrypted private key, in which case passphrase is ignored.
func LoadKeyStore(path, passphrase string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, newConfigurationError("read key store", path, err)
	}

	if isPKCS12(path) {
		blocks, err := pkcs12.ToPEM(data, passphrase)
		if err != nil {
			return tls.Certificate{}, newConfigurationError("decode key store", path, err)
		}
		data = encodeBlocks(blocks)
	}

	certPEM, keyPEM := splitPEM(data)
	if len(certPEM) == 0 {
		return tls.Certificate{}, newConfigurationError("decode key store", path, errors.New("no certificate found"))
	}
	if len(keyPEM) == 0 {
		return tls.Certificate{}, newConfigurationError("decode key store", path, errors.New("no private key found"))
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, newConfigurationError("decode key store", path, err)
	}
	return cert, nil
}

// LoadTrustStore reads the CA certificates used to verify the broker.
// The format rules match LoadKeyStore; private keys in the file are ignored.
func LoadTrustStore(path, passphrase string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newConfigurationError("read trust store", path, err)
	}

	if isPKCS12(path) {
		blocks, err := pkcs12.ToPEM(data, passphrase)
		if err != nil {
			return nil, newConfigurationError("decode trust store", path, err)
		}
		data = encodeBlocks(blocks)
	}

	certPEM, _ := splitPEM(data)
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, newConfigurationError("decode trust store", path, errors.New("no certificates found"))
	}
	return pool, nil
}

// tlsMinVersion maps a protocol name to a crypto/tls version constant.
// An empty name selects TLS 1.2.
func tlsMinVersion(name string) (uint16, error) {
	switch strings.ToUpper(name) {
	case "", strings.ToUpper(TLSv12):
		return tls.VersionTLS12, nil
	case strings.ToUpper(TLSv13):
		return tls.VersionTLS13, nil
	default:
		return 0, newConfigurationError("tls algorithm", "", fmt.Errorf("unsupported protocol %q", name))
	}
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

func encodeBlocks(blocks []*pem.Block) []byte {
	var out []byte
	for _, b := range blocks {
		out = append(out, pem.EncodeToMemory(b)...)
	}
	return out
}

// splitPEM separates certificate blocks from private key blocks.
func splitPEM(data []byte) (certPEM, keyPEM []byte) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return certPEM, keyPEM
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			if keyPEM == nil {
				keyPEM = pem.EncodeToMemory(block)
			}
		}
	}
}
