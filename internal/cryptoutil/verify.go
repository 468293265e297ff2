package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// SignatureVerifier checks a detached signature over message.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// StaticVerifier verifies against a fixed public key.
type StaticVerifier struct {
	pub           crypto.PublicKey
	AllowPKCS1v15 bool
}

func NewStaticVerifier(pub crypto.PublicKey) (*StaticVerifier, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, xerrors.Newf("unsupported public key type: %T", pub)
	}
	return &StaticVerifier{pub: pub}, nil
}

// LoadStaticVerifier reads a PEM encoded PKIX public key from path.
func LoadStaticVerifier(path string) (*StaticVerifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read public key %s", path)
	}
	pub, err := ParsePublicKeyPEM(b)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse public key %s", path)
	}
	return NewStaticVerifier(pub)
}

func (v *StaticVerifier) VerifySignature(_ context.Context, message, signature []byte) error {
	return verifyWithKey(v.pub, message, signature, v.AllowPKCS1v15)
}

func verifyWithKey(pub crypto.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSA(key, message, signature, allowPKCS1v15)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	hashFunc, digest, err := ecdsaDigest(key.Curve, message)
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed. hash: %s, curve: %s", hashFunc.String(), key.Curve.Params().Name)
	}
	return nil
}

// ecdsaDigest picks the hash that matches the curve size.
func ecdsaDigest(curve elliptic.Curve, message []byte) (crypto.Hash, []byte, error) {
	switch curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return crypto.SHA256, d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return crypto.SHA384, d[:], nil
	default:
		return 0, nil, xerrors.Newf("unsupported ECDSA curve: %v", curve.Params().Name)
	}
}

func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowFallback bool) error {
	digest := sha256.Sum256(message)

	pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
	if pssErr == nil {
		return nil
	}
	if !allowFallback {
		return xerrors.Newf("RSA-PSS verification failed (PKCS1v15 fallback disabled): %v", pssErr)
	}
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature)
}

// Sign produces a signature over message that the verifiers in this
// package accept for the matching public key.
func Sign(key crypto.Signer, message []byte) ([]byte, error) {
	switch pub := key.Public().(type) {
	case *ecdsa.PublicKey:
		_, digest, err := ecdsaDigest(pub.Curve, message)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return key.Sign(rand.Reader, digest, nil)
		}
		return ecdsa.SignASN1(rand.Reader, priv, digest)
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		return key.Sign(rand.Reader, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	default:
		return nil, xerrors.Newf("unsupported signing key type: %T", pub)
	}
}

// ParsePublicKeyPEM parses a PEM "PUBLIC KEY" block.
func ParsePublicKeyPEM(b []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.New("no PEM block found")
	}
	if block.Type != "PUBLIC KEY" {
		return nil, xerrors.Newf("unexpected PEM block %q, want PUBLIC KEY", block.Type)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse PKIX public key")
	}
	return pub, nil
}

// ParsePrivateKeyPEM parses PKCS8, SEC1 EC, or PKCS1 RSA private keys.
func ParsePrivateKeyPEM(b []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.New("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse PKCS8 private key")
		}
		s, ok := k.(crypto.Signer)
		if !ok {
			return nil, xerrors.Newf("private key type %T cannot sign", k)
		}
		return s, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse EC private key")
		}
		return k, nil
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse RSA private key")
		}
		return k, nil
	default:
		return nil, xerrors.Newf("unsupported PEM block %q", block.Type)
	}
}
