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

// Package tpm2 implements key generation against a TPM 2.0 device.
//
// Symmetric keys and HMAC secrets draw their entropy from the TPM RNG
// and remain portable. ECC keys are created as child objects under a
// freshly derived storage root key and persist as sealed blobs that
// only the issuing TPM can load again. RSA-4096 is not offered here
// because generating one inside consumer TPM hardware is unreliably
// slow; callers fall back to the software backend for that algorithm.
package tpm2

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// ===== Constants =====

// DefaultDevicePath is the kernel resource-managed TPM character
// device.
const DefaultDevicePath = "/dev/tpmrm0"

// symmetricKeyBytes is the entropy drawn from the TPM RNG for
// symmetric keys and HMAC secrets: 256 bits.
const symmetricKeyBytes = 32

// Sealed private artifacts carry both halves returned by TPM2_Create
// as consecutive PEM blocks. Loading the key later means recreating
// the storage root key on the same TPM and handing both halves to
// TPM2_Load.
const (
	pemTypeSealedPrivate = "TPM2 SEALED PRIVATE KEY"
	pemTypeSealedPublic  = "TPM2 SEALED PUBLIC KEY"
)

// ===== Configuration =====

// Config holds TPM backend settings.
type Config struct {
	// DevicePath is the TPM character device. Empty selects
	// DefaultDevicePath. Ignored when UseSimulator is set.
	DevicePath string

	// UseSimulator opens an in-process software TPM instead of a
	// hardware device.
	UseSimulator bool
}

// Info describes a connected TPM, read from its fixed property set.
type Info struct {
	Manufacturer    string `json:"manufacturer"`
	VendorString    string `json:"vendor_string,omitempty"`
	FirmwareVersion string `json:"firmware_version"`
}

// ===== Backend =====

// Backend generates keys on a TPM 2.0 device. The connection is opened
// lazily on first use and all conversations are serialized through a
// single mutex, matching the single-writer nature of the device.
type Backend struct {
	logger *logging.Logger
	config Config

	mu        sync.Mutex
	transport transport.TPMCloser
	closed    bool
}

// Compile-time interface check
var _ backend.Backend = (*Backend)(nil)

// NewBackend creates a TPM backend. The device is not touched until
// the first conversation.
func NewBackend(config Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.Default()
	}
	return &Backend{
		logger: logger.WithComponent("backend.tpm2"),
		config: config,
	}
}

// NewBackendWithTPM wraps an already-open TPM connection, typically a
// simulator in tests. The caller keeps ownership of the connection:
// Close releases the backend without closing the underlying transport.
func NewBackendWithTPM(tpm transport.TPM, logger *logging.Logger) *Backend {
	b := NewBackend(Config{}, logger)
	b.transport = noCloser{TPM: tpm}
	return b
}

// Kind returns types.BackendTPM.
func (b *Backend) Kind() types.BackendKind {
	return types.BackendTPM
}

// Available probes the device with the cheapest conversation that
// proves a responsive TPM 2.0: reading the manufacturer property.
func (b *Backend) Available(ctx context.Context) error {
	return b.runExclusive(ctx, func(tpm transport.TPM) error {
		_, err := readProperty(tpm, tpm2.TPMPTManufacturer)
		return err
	})
}

// Info reads the manufacturer, vendor string and firmware version from
// the device.
func (b *Backend) Info(ctx context.Context) (*Info, error) {
	info := &Info{}
	err := b.runExclusive(ctx, func(tpm transport.TPM) error {
		manufacturer, err := readProperty(tpm, tpm2.TPMPTManufacturer)
		if err != nil {
			return err
		}
		info.Manufacturer = propertyString(manufacturer)

		var vendor strings.Builder
		for _, prop := range []tpm2.TPMPT{
			tpm2.TPMPTVendorString1,
			tpm2.TPMPTVendorString2,
			tpm2.TPMPTVendorString3,
			tpm2.TPMPTVendorString4,
		} {
			value, err := readProperty(tpm, prop)
			if err != nil {
				break
			}
			vendor.WriteString(propertyString(value))
		}
		info.VendorString = strings.TrimSpace(vendor.String())

		firmware, err := readProperty(tpm, tpm2.TPMPTFirmwareVersion1)
		if err != nil {
			return err
		}
		info.FirmwareVersion = fmt.Sprintf("%d.%d", firmware>>16, firmware&0xFFFF)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Generate produces a new key of the given type on the TPM.
func (b *Backend) Generate(ctx context.Context, kt types.KeyType, params backend.Params) (*types.Key, error) {
	if !kt.IsValid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidKeyType, kt)
	}

	params = params.Normalize(kt)
	id, err := types.FormatKeyID(kt, params.Qualifier, params.CreatedAt)
	if err != nil {
		return nil, err
	}

	key := &types.Key{
		KeyInfo: types.KeyInfo{
			ID:        id,
			Type:      kt,
			Algorithm: params.Algorithm,
			Backend:   types.BackendTPM,
			Status:    types.KeyStatusActive,
			CreatedAt: params.CreatedAt,
		},
	}
	if params.ExpiresIn > 0 {
		expires := params.CreatedAt.Add(params.ExpiresIn)
		key.ExpiresAt = &expires
	}

	err = b.runExclusive(ctx, func(tpm transport.TPM) error {
		switch params.Algorithm {
		case types.AlgorithmAES256, types.AlgorithmHMAC:
			secret, err := readRandom(tpm, symmetricKeyBytes)
			if err != nil {
				return err
			}
			key.Material.Symmetric = secret
			if kt == types.KeyTypeJWT {
				return backend.ProbeJWT(params.Algorithm, secret)
			}
			return nil

		case types.AlgorithmECCP256:
			return b.generateECC(tpm, key)

		case types.AlgorithmRSA4096:
			return fmt.Errorf("%w: RSA-4096 on TPM hardware", backend.ErrUnsupportedAlgorithm)

		default:
			return fmt.Errorf("%w: %q", backend.ErrUnsupportedAlgorithm, params.Algorithm)
		}
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("generated key",
		"id", key.ID,
		"algorithm", key.Algorithm.String(),
		"sealed", key.TPMSealed)
	return key, nil
}

// Load proves a sealed private artifact belongs to this TPM by
// recreating the storage root key and loading both halves. The loaded
// object is flushed before Load returns; callers use this purely as an
// integrity check.
func (b *Backend) Load(ctx context.Context, artifact []byte) error {
	private, public, err := ParseSealed(artifact)
	if err != nil {
		return err
	}
	return b.runExclusive(ctx, func(tpm transport.TPM) error {
		primary, err := createPrimary(tpm)
		if err != nil {
			return err
		}
		defer b.flush(tpm, primary.ObjectHandle)

		load, err := tpm2.Load{
			ParentHandle: &tpm2.NamedHandle{
				Handle: primary.ObjectHandle,
				Name:   primary.Name,
			},
			InPrivate: *private,
			InPublic:  *public,
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("tpm2: load sealed key: %w", err)
		}
		b.flush(tpm, load.ObjectHandle)
		return nil
	})
}

// Close releases the device connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrClosed
	}
	b.closed = true
	if b.transport == nil {
		return nil
	}
	err := b.transport.Close()
	b.transport = nil
	if err != nil {
		return fmt.Errorf("tpm2: close transport: %w", err)
	}
	return nil
}

// ===== Conversations =====

// runExclusive executes one TPM conversation under the device mutex.
// TPM transports block without context support, so the conversation
// runs in its own goroutine while the caller waits on the context. An
// abandoned conversation finishes in the background and releases the
// lock, keeping the device serialized.
func (b *Backend) runExclusive(ctx context.Context, fn func(tpm transport.TPM) error) error {
	done := make(chan error, 1)
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		tpm, err := b.ensureOpen()
		if err != nil {
			done <- err
			return
		}
		done <- fn(tpm)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: tpm conversation exceeded deadline", types.ErrTimeout)
		}
		return ctx.Err()
	}
}

// ensureOpen returns the device transport, opening it on first use.
// Callers hold b.mu.
func (b *Backend) ensureOpen() (transport.TPM, error) {
	if b.closed {
		return nil, backend.ErrClosed
	}
	if b.transport != nil {
		return b.transport, nil
	}

	tpm, err := b.open()
	if err != nil {
		return nil, err
	}
	b.transport = tpm
	return tpm, nil
}

func (b *Backend) open() (transport.TPMCloser, error) {
	if b.config.UseSimulator {
		sim, err := simulator.Get()
		if err != nil {
			return nil, fmt.Errorf("%w: open simulator: %v", types.ErrTPMUnavailable, err)
		}
		b.logger.Debug("opened tpm simulator")
		return &simulatorCloser{TPM: transport.FromReadWriter(sim), sim: sim}, nil
	}

	device := b.config.DevicePath
	if device == "" {
		device = DefaultDevicePath
	}
	if _, err := os.Stat(device); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrTPMUnavailable, device, err)
	}
	tpm, err := transport.OpenTPM(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrTPMUnavailable, device, err)
	}
	b.logger.Debug("opened tpm device", "path", device)
	return tpm, nil
}

// flush releases a transient object handle. Flush failures are logged
// rather than returned since the handle evaporates when the connection
// closes anyway.
func (b *Backend) flush(tpm transport.TPM, handle tpm2.TPMHandle) {
	_, err := tpm2.FlushContext{FlushHandle: handle}.Execute(tpm)
	b.logger.MaybeError(err)
}

// ===== Key creation =====

// generateECC creates a P-256 signing key as a child object under the
// storage root key. The private artifact is the pair of sealed blobs
// from TPM2_Create; the public artifact is the same PKIX PEM the
// software backend produces.
func (b *Backend) generateECC(tpm transport.TPM, key *types.Key) error {
	primary, err := createPrimary(tpm)
	if err != nil {
		return err
	}
	defer b.flush(tpm, primary.ObjectHandle)

	create, err := tpm2.Create{
		ParentHandle: &tpm2.NamedHandle{
			Handle: primary.ObjectHandle,
			Name:   primary.Name,
		},
		InPublic: tpm2.New2B(eccSigningTemplate()),
	}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpm2: create key: %w", err)
	}

	public, err := publicKeyPEM(create.OutPublic)
	if err != nil {
		return err
	}

	key.Material.Private = sealedPEM(create.OutPrivate, create.OutPublic)
	key.Material.Public = public
	key.TPMSealed = true
	return nil
}

// createPrimary derives the storage root key in the owner hierarchy.
// The same template always yields the same key on a given TPM, so the
// SRK never needs to be persisted.
func createPrimary(tpm transport.TPM) (*tpm2.CreatePrimaryResponse, error) {
	primary, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(tpm2.ECCSRKTemplate),
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm2: create primary: %w", err)
	}
	return primary, nil
}

// eccSigningTemplate is the public area for generated P-256 signing
// keys: ECDSA with SHA-256, fixed to this TPM and parent.
func eccSigningTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			SignEncrypt:         true,
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
				CurveID: tpm2.TPMECCNistP256,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCPoint{
				X: tpm2.TPM2BECCParameter{Buffer: make([]byte, 32)},
				Y: tpm2.TPM2BECCParameter{Buffer: make([]byte, 32)},
			},
		),
	}
}

// readRandom draws n bytes from the TPM RNG. Devices cap a single
// TPM2_GetRandom response at the digest size of the active hash, so
// the request loops until the buffer fills.
func readRandom(tpm transport.TPM, n int) ([]byte, error) {
	secret := make([]byte, 0, n)
	for len(secret) < n {
		resp, err := tpm2.GetRandom{
			BytesRequested: uint16(n - len(secret)),
		}.Execute(tpm)
		if err != nil {
			return nil, fmt.Errorf("tpm2: get random: %w", err)
		}
		if len(resp.RandomBytes.Buffer) == 0 {
			return nil, fmt.Errorf("tpm2: get random returned empty buffer")
		}
		secret = append(secret, resp.RandomBytes.Buffer...)
	}
	return secret[:n], nil
}

// ===== Artifact encoding =====

// sealedPEM renders the TPM2_Create output as the private artifact.
func sealedPEM(outPrivate tpm2.TPM2BPrivate, outPublic tpm2.TPM2BPublic) []byte {
	private := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeSealedPrivate,
		Bytes: tpm2.Marshal(outPrivate),
	})
	public := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeSealedPublic,
		Bytes: tpm2.Marshal(outPublic),
	})
	return append(private, public...)
}

// ParseSealed splits a sealed private artifact back into the blobs
// TPM2_Load expects.
func ParseSealed(artifact []byte) (*tpm2.TPM2BPrivate, *tpm2.TPM2BPublic, error) {
	block, rest := pem.Decode(artifact)
	if block == nil || block.Type != pemTypeSealedPrivate {
		return nil, nil, fmt.Errorf("tpm2: malformed sealed artifact: missing %q block", pemTypeSealedPrivate)
	}
	private, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm2: decode sealed private blob: %w", err)
	}

	block, _ = pem.Decode(rest)
	if block == nil || block.Type != pemTypeSealedPublic {
		return nil, nil, fmt.Errorf("tpm2: malformed sealed artifact: missing %q block", pemTypeSealedPublic)
	}
	public, err := tpm2.Unmarshal[tpm2.TPM2BPublic](block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm2: decode sealed public blob: %w", err)
	}
	return private, public, nil
}

// IsSealed reports whether a private artifact is a TPM sealed blob
// rather than a portable PKCS#8 key.
func IsSealed(artifact []byte) bool {
	block, _ := pem.Decode(artifact)
	return block != nil && block.Type == pemTypeSealedPrivate
}

// publicKeyPEM extracts the ECDSA public key from a created object and
// renders it as PKIX PEM.
func publicKeyPEM(outPublic tpm2.TPM2BPublic) ([]byte, error) {
	pub, err := outPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm2: decode public area: %w", err)
	}
	eccDetail, err := pub.Parameters.ECCDetail()
	if err != nil {
		return nil, fmt.Errorf("tpm2: decode ecc parameters: %w", err)
	}
	eccUnique, err := pub.Unique.ECC()
	if err != nil {
		return nil, fmt.Errorf("tpm2: decode ecc point: %w", err)
	}
	curve, err := eccDetail.CurveID.Curve()
	if err != nil {
		return nil, fmt.Errorf("tpm2: decode curve: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&ecdsa.PublicKey{
		Curve: curve,
		X:     big.NewInt(0).SetBytes(eccUnique.X.Buffer),
		Y:     big.NewInt(0).SetBytes(eccUnique.Y.Buffer),
	})
	if err != nil {
		return nil, fmt.Errorf("tpm2: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ===== Properties =====

func readProperty(tpm transport.TPM, prop tpm2.TPMPT) (uint32, error) {
	resp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(prop),
		PropertyCount: 1,
	}.Execute(tpm)
	if err != nil {
		return 0, fmt.Errorf("%w: get capability: %v", backend.ErrProbeFailed, err)
	}
	props, err := resp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, fmt.Errorf("%w: decode properties: %v", backend.ErrProbeFailed, err)
	}
	if len(props.TPMProperty) == 0 {
		return 0, fmt.Errorf("%w: empty property response", backend.ErrProbeFailed)
	}
	return props.TPMProperty[0].Value, nil
}

// propertyString renders a packed four-character TPM property value.
func propertyString(value uint32) string {
	buf := []byte{
		byte(value >> 24),
		byte(value >> 16),
		byte(value >> 8),
		byte(value),
	}
	return strings.TrimRight(string(buf), "\x00")
}

// ===== Transport adapters =====

// simulatorCloser adapts the software simulator to transport.TPMCloser.
type simulatorCloser struct {
	transport.TPM
	sim *simulator.Simulator
}

func (s *simulatorCloser) Close() error {
	return s.sim.Close()
}

// noCloser wraps an injected transport whose lifetime the caller owns.
type noCloser struct {
	transport.TPM
}

func (noCloser) Close() error {
	return nil
}
