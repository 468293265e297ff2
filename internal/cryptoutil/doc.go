// Package cryptoutil signs and verifies the bearer tokens presented to the
// auth gate.
//
// Verification always happens locally against a public key. The key comes
// either from AWS KMS (fetched once with GetPublicKey and cached) or from a
// PEM file for development. Supported keys are ECDSA P-256/P-384 and RSA
// (PSS, with optional PKCS1v15 fallback).
package cryptoutil
