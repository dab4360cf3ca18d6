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

package tpm2

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// testBackend opens a deterministic software TPM for the test.
func testBackend(t *testing.T) *Backend {
	t.Helper()

	sim, err := simulator.GetWithFixedSeedInsecure(1234567890)
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })

	return NewBackendWithTPM(transport.FromReadWriter(sim), logging.New(false))
}

func TestAvailable(t *testing.T) {
	b := testBackend(t)
	assert.NoError(t, b.Available(context.Background()))
	assert.Equal(t, types.BackendTPM, b.Kind())
}

func TestAvailable_NoDevice(t *testing.T) {
	b := NewBackend(Config{
		DevicePath: filepath.Join(t.TempDir(), "tpm0"),
	}, logging.New(false))

	err := b.Available(context.Background())
	assert.ErrorIs(t, err, types.ErrTPMUnavailable)
}

func TestInfo(t *testing.T) {
	b := testBackend(t)

	info, err := b.Info(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, info.Manufacturer)
	assert.NotEmpty(t, info.FirmwareVersion)
}

func TestGenerate_Symmetric(t *testing.T) {
	b := testBackend(t)

	key, err := b.Generate(context.Background(), types.KeyTypeSession, backend.Params{})
	require.NoError(t, err)

	assert.Equal(t, types.KeyTypeSession, key.Type)
	assert.Equal(t, types.AlgorithmAES256, key.Algorithm)
	assert.Equal(t, types.BackendTPM, key.Backend)
	assert.False(t, key.TPMSealed)
	assert.Len(t, key.Material.Symmetric, 32)
	assert.Nil(t, key.Material.Private)
}

func TestGenerate_SymmetricKeysDiffer(t *testing.T) {
	b := testBackend(t)

	first, err := b.Generate(context.Background(), types.KeyTypeSession, backend.Params{Qualifier: "a"})
	require.NoError(t, err)
	second, err := b.Generate(context.Background(), types.KeyTypeSession, backend.Params{Qualifier: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Material.Symmetric, second.Material.Symmetric)
}

func TestGenerate_JWT(t *testing.T) {
	b := testBackend(t)

	key, err := b.Generate(context.Background(), types.KeyTypeJWT, backend.Params{})
	require.NoError(t, err)

	assert.Equal(t, types.AlgorithmHMAC, key.Algorithm)
	assert.Len(t, key.Material.Symmetric, 32)
}

func TestGenerate_ECC(t *testing.T) {
	b := testBackend(t)

	key, err := b.Generate(context.Background(), types.KeyTypeAdmin, backend.Params{})
	require.NoError(t, err)

	assert.Equal(t, types.AlgorithmECCP256, key.Algorithm)
	assert.True(t, key.TPMSealed)
	assert.Nil(t, key.Material.Symmetric)

	t.Run("PublicIsPKIX", func(t *testing.T) {
		block, _ := pem.Decode(key.Material.Public)
		require.NotNil(t, block)
		assert.Equal(t, "PUBLIC KEY", block.Type)

		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		require.NoError(t, err)
		pub, ok := parsed.(*ecdsa.PublicKey)
		require.True(t, ok)
		assert.Equal(t, elliptic.P256(), pub.Curve)
	})

	t.Run("PrivateIsSealed", func(t *testing.T) {
		assert.True(t, IsSealed(key.Material.Private))

		private, public, err := ParseSealed(key.Material.Private)
		require.NoError(t, err)
		assert.NotEmpty(t, private.Buffer)
		assert.NotNil(t, public)
	})

	t.Run("SealedBlobLoads", func(t *testing.T) {
		assert.NoError(t, b.Load(context.Background(), key.Material.Private))
	})
}

func TestLoad_RejectsGarbage(t *testing.T) {
	b := testBackend(t)

	err := b.Load(context.Background(), []byte("not a sealed artifact"))
	assert.Error(t, err)
}

func TestIsSealed_PortableKey(t *testing.T) {
	portable := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{0x01}})
	assert.False(t, IsSealed(portable))
	assert.False(t, IsSealed(nil))
}

func TestGenerate_RSAUnsupported(t *testing.T) {
	b := testBackend(t)

	_, err := b.Generate(context.Background(), types.KeyTypeNetwork, backend.Params{})
	assert.ErrorIs(t, err, backend.ErrUnsupportedAlgorithm)
}

func TestGenerate_InvalidKeyType(t *testing.T) {
	b := testBackend(t)

	_, err := b.Generate(context.Background(), types.KeyType("toaster"), backend.Params{})
	assert.ErrorIs(t, err, types.ErrInvalidKeyType)
}

func TestConversationDeadline(t *testing.T) {
	b := testBackend(t)

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.runExclusive(ctx, func(transport.TPM) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestClose(t *testing.T) {
	b := testBackend(t)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Available(context.Background()), backend.ErrClosed)

	_, err := b.Generate(context.Background(), types.KeyTypeSession, backend.Params{})
	assert.ErrorIs(t, err, backend.ErrClosed)

	assert.ErrorIs(t, b.Close(), backend.ErrClosed)
}
