// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package backend

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// ProbeJWT signs and parses a short-lived token with freshly generated
// material, so a malformed signing secret is caught at generation time
// rather than at first token issue. The signer is the raw secret for
// symmetric algorithms and the private key for asymmetric ones.
func ProbeJWT(algorithm types.Algorithm, signer any) error {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "go-keylifecycle",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}

	var (
		method  jwt.SigningMethod
		signKey any
		keyfunc jwt.Keyfunc
	)

	switch algorithm {
	case types.AlgorithmHMAC, types.AlgorithmAES256:
		secret, ok := signer.([]byte)
		if !ok {
			return fmt.Errorf("unexpected symmetric signer type %T", signer)
		}
		method = jwt.SigningMethodHS256
		signKey = secret
		keyfunc = func(*jwt.Token) (any, error) { return secret, nil }

	case types.AlgorithmECCP256:
		private, ok := signer.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("unexpected ecc signer type %T", signer)
		}
		method = jwt.SigningMethodES256
		signKey = private
		keyfunc = func(*jwt.Token) (any, error) { return &private.PublicKey, nil }

	case types.AlgorithmRSA4096:
		private, ok := signer.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("unexpected rsa signer type %T", signer)
		}
		method = jwt.SigningMethodRS256
		signKey = private
		keyfunc = func(*jwt.Token) (any, error) { return &private.PublicKey, nil }

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(signKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	parsed, err := jwt.Parse(signed, keyfunc,
		jwt.WithValidMethods([]string{method.Alg()}))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("probe token failed validation")
	}
	return nil
}
