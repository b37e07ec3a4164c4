package bridge

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TLSOptions describe how the bridge authenticates to the cloud broker.
// The private key is either a file or a remote crypto.Signer backed by the
// PKCS#11 signing service
type TLSOptions struct {
	CertFile string
	KeyFile  string
	CADir    string
	Signer   crypto.Signer
}

// NewTLSConfig builds the client TLS config for the cloud connection
func NewTLSConfig(opts TLSOptions) (*tls.Config, error) {
	pool, err := loadCACertificates(opts.CADir)
	if err != nil {
		return nil, err
	}

	var certificate tls.Certificate
	if opts.Signer != nil {
		leaf, err := loadCertificateChain(opts.CertFile)
		if err != nil {
			return nil, err
		}
		certificate = tls.Certificate{
			Certificate: leaf,
			PrivateKey:  opts.Signer,
		}
	} else {
		certificate, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load device certificate and key")
		}
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadCACertificates reads trust anchors from a directory of PEM files, or
// a single file
func loadCACertificates(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read trust anchors")
	}

	pool := x509.NewCertPool()
	added := 0
	appendFile := func(file string) {
		data, err := os.ReadFile(file)
		if err != nil {
			return
		}
		if pool.AppendCertsFromPEM(data) {
			added++
		}
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasSuffix(name, ".pem") || strings.HasSuffix(name, ".crt") || strings.HasSuffix(name, ".0") {
				appendFile(filepath.Join(path, name))
			}
		}
	} else {
		appendFile(path)
	}

	if added == 0 {
		return nil, errors.Errorf("no usable trust anchors found under %s", path)
	}
	return pool, nil
}

func loadCertificateChain(certFile string) ([][]byte, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read device certificate")
	}
	chain := make([][]byte, 0, 1)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, errors.Errorf("no certificates found in %s", certFile)
	}
	return chain, nil
}
