// Command devtoken mints bearer tokens for local development and can
// generate the P-256 key pair the server verifies them with.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keithlinneman/linnemanlabs-social/internal/auth"
	"github.com/keithlinneman/linnemanlabs-social/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

func main() {
	var (
		keyFile string
		sub     string
		ttl     time.Duration
		genDir  string
	)
	flag.StringVar(&keyFile, "key", "", "PEM private key used to sign the token")
	flag.StringVar(&sub, "sub", "dev-user", "subject (user id) claim")
	flag.DurationVar(&ttl, "ttl", time.Hour, "token lifetime, 0 for no expiry")
	flag.StringVar(&genDir, "genkey", "", "write private.pem and public.pem to this directory and exit")
	flag.Parse()

	if genDir != "" {
		if err := genKey(genDir); err != nil {
			fmt.Fprintln(os.Stderr, "genkey:", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "wrote %s and %s\n", filepath.Join(genDir, "private.pem"), filepath.Join(genDir, "public.pem"))
		return
	}

	if keyFile == "" {
		fmt.Fprintln(os.Stderr, "-key is required")
		flag.Usage()
		os.Exit(2)
	}
	b, err := os.ReadFile(keyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	tok, err := mint(b, sub, ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func mint(keyPEM []byte, sub string, ttl time.Duration, now time.Time) (string, error) {
	if sub == "" {
		return "", xerrors.New("subject is required")
	}
	key, err := cryptoutil.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return "", err
	}
	claims := map[string]any{"sub": sub, "iat": now.Unix()}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return auth.Mint(key, claims)
}

func genKey(dir string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return xerrors.Wrap(err, "generate key")
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return xerrors.Wrap(err, "marshal private key")
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return xerrors.Wrap(err, "marshal public key")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Wrapf(err, "create %s", dir)
	}
	if err := os.WriteFile(filepath.Join(dir, "private.pem"), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv}), 0o600); err != nil {
		return xerrors.Wrap(err, "write private key")
	}
	if err := os.WriteFile(filepath.Join(dir, "public.pem"), pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}), 0o644); err != nil {
		return xerrors.Wrap(err, "write public key")
	}
	return nil
}
