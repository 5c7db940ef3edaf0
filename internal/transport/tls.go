package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

// NextProto is the ALPN identifier peers negotiate over QUIC.
const NextProto = "storagesvc-peer-v1"

// identityTLSCert self-signs a short-lived leaf certificate over the
// node's own Ed25519 identity key, so a peer's certificate fingerprint
// is derivable from (and verifiable against) the node_id it presents
// during the Hello handshake, rather than a fixed shared dev seed.
func identityTLSCert(pub ed25519.PublicKey, priv ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("0.0.0.0")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// serverTLSConfig builds a QUIC-side TLS config that accepts any peer
// certificate; peer authenticity is established by the application-level
// Hello1/Hello2 signature exchange, not by the TLS handshake's own trust
// chain (every node is self-signed and a priori unknown to every other).
func serverTLSConfig(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := identityTLSCert(pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		ClientAuth:   tls.RequireAnyClientCert,
	}, nil
}

func clientTLSConfig(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := identityTLSCert(pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{NextProto},
		InsecureSkipVerify: true,
	}, nil
}

func certPub(raw [][]byte) (ed25519.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no peer certificate presented")
	}
	cert, err := x509.ParseCertificate(raw[0])
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate is not Ed25519")
	}
	return pub, nil
}

// bindCertToIdentity checks that the TLS leaf certificate presented on
// conn was issued for claimedPub, so the application-level Hello
// signature and the transport-level channel agree on who's on the
// other end.
func bindCertToIdentity(conn *quic.Conn, claimedPub ed25519.PublicKey) error {
	state := conn.ConnectionState().TLS
	pub, err := certPub(certDER(state.PeerCertificates))
	if err != nil {
		return err
	}
	if !pub.Equal(claimedPub) {
		return fmt.Errorf("hello identity does not match TLS certificate")
	}
	return nil
}

func certDER(certs []*x509.Certificate) [][]byte {
	out := make([][]byte, len(certs))
	for i, c := range certs {
		out[i] = c.Raw
	}
	return out
}
