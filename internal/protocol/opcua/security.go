package opcua

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// SecurityPolicy is the OPC-UA message security policy.
type SecurityPolicy string

const (
	SecurityPolicyNone           SecurityPolicy = "None"
	SecurityPolicyBasic256Sha256 SecurityPolicy = "Basic256Sha256"
)

// SecurityMode is the OPC-UA message security mode.
type SecurityMode string

const (
	SecurityModeNone           SecurityMode = "None"
	SecurityModeSign           SecurityMode = "Sign"
	SecurityModeSignAndEncrypt SecurityMode = "SignAndEncrypt"
)

// SecurityConfig holds the per-source OPC-UA session security settings.
type SecurityConfig struct {
	Policy         SecurityPolicy
	Mode           SecurityMode
	CertFile       string
	KeyFile        string
	Username       string
	Password       string
	TrustAllCerts  bool // development-only: skip server certificate validation
}

// clientOptions translates SecurityConfig into gopcua client options,
// checking the configured CertFile (not-before/not-after, signature
// algorithm) unless TrustAllCerts is explicitly set. The certificate the
// server presents during the handshake is not checked here.
func (s SecurityConfig) clientOptions() ([]opcua.Option, error) {
	var opts []opcua.Option

	policy := s.Policy
	if policy == "" {
		policy = SecurityPolicyNone
	}
	mode := s.Mode
	if mode == "" {
		mode = SecurityModeNone
	}

	opts = append(opts, opcua.SecurityPolicy(string(policy)))
	opts = append(opts, opcua.SecurityModeString(string(mode)))

	if s.CertFile != "" && s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		opts = append(opts, opcua.PrivateKey(cert.PrivateKey))
		if len(cert.Certificate) > 0 {
			opts = append(opts, opcua.Certificate(cert.Certificate[0]))
		}
	}

	if s.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.Username, s.Password))
		opts = append(opts, opcua.SecurityFromEndpoint(nil, ua.UserTokenTypeUserName))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	if s.TrustAllCerts {
		return opts, nil
	}

	if s.CertFile != "" {
		if err := validateServerCertPreflight(s.CertFile); err != nil {
			return nil, err
		}
	}

	return opts, nil
}

// validateServerCertPreflight performs the not-before/not-after and
// signature-algorithm checks on the locally configured certificate file
// (PEM or DER) before a session is established.
func validateServerCertPreflight(certFile string) error {
	raw, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("read certificate %s: %w", certFile, err)
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return fmt.Errorf("parse certificate %s: %w", certFile, err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("certificate %s is outside its validity window", certFile)
	}
	switch cert.SignatureAlgorithm {
	case x509.SHA256WithRSA, x509.ECDSAWithSHA256, x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA512WithRSA, x509.ECDSAWithSHA512:
		return nil
	default:
		return fmt.Errorf("certificate %s uses a weak signature algorithm (%s); require SHA-256 or stronger", certFile, cert.SignatureAlgorithm)
	}
}
