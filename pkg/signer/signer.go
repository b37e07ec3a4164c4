package signer

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RemoteSigner asks an out-of-process signing service (backed by a PKCS#11
// token) to sign digests with the device private key. The contract is a
// single request/response exchange per connection, one outstanding request
// at a time
type RemoteSigner struct {
	SocketPath string
	Pin        string
	Timeout    time.Duration

	public crypto.PublicKey
	mutex  sync.Mutex
}

type signRequest struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
	Pin       string `json:"pin,omitempty"`
}

type signResponse struct {
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewRemoteSigner loads the public half from the device certificate so the
// TLS stack can pair it with remote signatures
func NewRemoteSigner(socketPath string, pin string, certFile string) (*RemoteSigner, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read device certificate")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no PEM block found in %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse device certificate")
	}
	return &RemoteSigner{
		SocketPath: socketPath,
		Pin:        pin,
		Timeout:    10 * time.Second,
		public:     cert.PublicKey,
	}, nil
}

func (s *RemoteSigner) Public() crypto.PublicKey {
	return s.public
}

// Sign implements crypto.Signer by forwarding the digest to the signing
// service
func (s *RemoteSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conn, err := net.DialTimeout("unix", s.SocketPath, s.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "signing service is not reachable")
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(s.Timeout)); err != nil {
		return nil, err
	}

	request := signRequest{
		Digest:    base64.StdEncoding.EncodeToString(digest),
		Algorithm: opts.HashFunc().String(),
		Pin:       s.Pin,
	}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return nil, errors.Wrap(err, "failed to send signing request")
	}

	response := signResponse{}
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, errors.Wrap(err, "failed to read signing response")
	}
	if response.Error != "" {
		return nil, errors.Errorf("signing service error: %s", response.Error)
	}
	signature, err := base64.StdEncoding.DecodeString(response.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "signing service returned an invalid signature")
	}
	return signature, nil
}
