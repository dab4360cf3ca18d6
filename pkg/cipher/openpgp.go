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

package cipher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
)

// armorBlockType is the armored envelope header GPG expects.
const armorBlockType = "PGP MESSAGE"

// OpenPGPConfig selects how envelopes are sealed and opened.
type OpenPGPConfig struct {
	// Passphrase seals symmetric envelopes and unlocks encrypted
	// private keys.
	Passphrase []byte

	// RecipientKeyring holds public keys, armored or binary. When set,
	// envelopes are sealed to these recipients instead of the
	// passphrase.
	RecipientKeyring []byte

	// PrivateKeyring holds the private keys that open recipient
	// envelopes. Locked keys are unlocked with Passphrase.
	PrivateKeyring []byte
}

// OpenPGP seals backup envelopes as armored PGP messages that gpg can
// open, and opens envelopes produced by gpg.
type OpenPGP struct {
	config     OpenPGPConfig
	logger     *logging.Logger
	recipients openpgp.EntityList
	private    openpgp.EntityList
}

// Compile-time interface check
var _ Provider = (*OpenPGP)(nil)

// NewOpenPGP builds the provider, parsing and unlocking any keyrings
// up front so configuration errors fail fast.
func NewOpenPGP(config OpenPGPConfig, logger *logging.Logger) (*OpenPGP, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if len(config.Passphrase) == 0 && len(config.RecipientKeyring) == 0 && len(config.PrivateKeyring) == 0 {
		return nil, fmt.Errorf("cipher: openpgp requires a passphrase or a keyring")
	}

	p := &OpenPGP{
		config: config,
		logger: logger.WithComponent("cipher.openpgp"),
	}

	var err error
	if len(config.RecipientKeyring) > 0 {
		p.recipients, err = readKeyring(config.RecipientKeyring)
		if err != nil {
			return nil, fmt.Errorf("cipher: parse recipient keyring: %w", err)
		}
	}
	if len(config.PrivateKeyring) > 0 {
		p.private, err = readKeyring(config.PrivateKeyring)
		if err != nil {
			return nil, fmt.Errorf("cipher: parse private keyring: %w", err)
		}
		if err := unlockEntities(p.private, config.Passphrase); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name returns "openpgp".
func (p *OpenPGP) Name() string {
	return "openpgp"
}

// Suffix returns ".gpg".
func (p *OpenPGP) Suffix() string {
	return ".gpg"
}

// Encrypt seals src into an armored envelope on dst. Recipient mode is
// used when a recipient keyring was configured, symmetric passphrase
// mode otherwise.
func (p *OpenPGP) Encrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	armorer, err := armor.Encode(dst, armorBlockType, nil)
	if err != nil {
		return fmt.Errorf("cipher: start armor: %w", err)
	}

	var plaintext io.WriteCloser
	if len(p.recipients) > 0 {
		p.logger.Debug("sealing envelope", "mode", "recipient", "recipients", len(p.recipients))
		plaintext, err = openpgp.Encrypt(armorer, p.recipients, nil, nil, p.packetConfig())
	} else {
		p.logger.Debug("sealing envelope", "mode", "symmetric")
		plaintext, err = openpgp.SymmetricallyEncrypt(armorer, p.config.Passphrase, nil, p.packetConfig())
	}
	if err != nil {
		armorer.Close()
		return fmt.Errorf("cipher: start envelope: %w", err)
	}

	if _, err := io.Copy(plaintext, newCtxReader(ctx, src)); err != nil {
		plaintext.Close()
		armorer.Close()
		return fmt.Errorf("cipher: seal envelope: %w", err)
	}
	if err := plaintext.Close(); err != nil {
		armorer.Close()
		return fmt.Errorf("cipher: finish envelope: %w", err)
	}
	if err := armorer.Close(); err != nil {
		return fmt.Errorf("cipher: finish armor: %w", err)
	}
	return nil
}

// Decrypt opens an armored envelope from src and streams the plaintext
// to dst.
func (p *OpenPGP) Decrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	block, err := armor.Decode(src)
	if err != nil {
		return fmt.Errorf("%w: not an armored envelope: %v", ErrMalformed, err)
	}
	if block.Type != armorBlockType {
		return fmt.Errorf("%w: unexpected armor type %q", ErrMalformed, block.Type)
	}

	// ReadMessage retries the prompt until it errors, so a wrong
	// passphrase must fail on the second call rather than loop.
	attempted := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if attempted {
			return nil, ErrWrongPassphrase
		}
		attempted = true
		return p.config.Passphrase, nil
	}

	md, err := openpgp.ReadMessage(newCtxReader(ctx, block.Body), p.private, prompt, p.packetConfig())
	if err != nil {
		if errors.Is(err, ErrWrongPassphrase) {
			return ErrWrongPassphrase
		}
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	if _, err := io.Copy(dst, md.UnverifiedBody); err != nil {
		return fmt.Errorf("%w: read plaintext: %v", ErrDecrypt, err)
	}
	return nil
}

func (p *OpenPGP) packetConfig() *packet.Config {
	return &packet.Config{
		DefaultCipher: packet.CipherAES256,
	}
}

// readKeyring accepts armored or binary keyrings.
func readKeyring(data []byte) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err == nil {
		return entities, nil
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// unlockEntities decrypts passphrase-locked private keys, including
// subkeys, so ReadMessage can use them.
func unlockEntities(entities openpgp.EntityList, passphrase []byte) error {
	for _, entity := range entities {
		if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
				return fmt.Errorf("%w: unlock private key: %v", ErrWrongPassphrase, err)
			}
		}
		for _, subkey := range entity.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
					return fmt.Errorf("%w: unlock subkey: %v", ErrWrongPassphrase, err)
				}
			}
		}
	}
	return nil
}
