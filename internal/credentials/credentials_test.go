package credentials

import (
	"context"
	"errors"
	"testing"

	"kidgate/internal/apperr"
	"kidgate/internal/auth"
	"kidgate/internal/models"
	"kidgate/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDigest(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(db)
	ctx := context.Background()

	_, err := store.LookupDigest(ctx, "GG-NONE-00")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	dev := testutil.CreateDevice(t, db, "GG-AB12-9F", nil, models.DevicePending)
	_, err = store.LookupDigest(ctx, dev.DeviceCode)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "device without digest")

	digest := auth.DigestSecret("secret")
	require.NoError(t, SetDigest(ctx, db, dev.ID, digest, testutil.Epoch))

	got, err := store.LookupDigest(ctx, dev.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, digest, got)
}

func TestProvisionBootstrapOnce(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(db)
	ctx := context.Background()

	bs, err := store.ProvisionBootstrap(ctx, "GG-BOOT-01", "factory-secret", testutil.Epoch)
	require.NoError(t, err)
	assert.Equal(t, auth.DigestSecret("factory-secret"), bs.SecretHash)

	_, err = store.ProvisionBootstrap(ctx, "GG-BOOT-01", "other-secret", testutil.Epoch)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestFactoryProvisionerConsumesBootstrap(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewStore(db)
	ctx := context.Background()

	cred, err := FactoryProvisioner{}.Provision(ctx, db, "GG-BOOT-01", testutil.Epoch)
	require.NoError(t, err)
	assert.Nil(t, cred, "no bootstrap row")

	_, err = store.ProvisionBootstrap(ctx, "GG-BOOT-01", "factory-secret", testutil.Epoch)
	require.NoError(t, err)

	cred, err = FactoryProvisioner{}.Provision(ctx, db, "GG-BOOT-01", testutil.Epoch)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, SourceFactory, cred.Source)
	assert.Empty(t, cred.Secret)
	assert.Equal(t, auth.DigestSecret("factory-secret"), cred.Digest)

	bs, err := GetBootstrap(ctx, db, "GG-BOOT-01")
	require.NoError(t, err)
	require.NotNil(t, bs.UsedAt)
	assert.True(t, bs.UsedAt.Equal(testutil.Epoch))
}

func TestChainFallsBackToCloud(t *testing.T) {
	db := testutil.NewDB(t)
	chain := Chain{FactoryProvisioner{}, CloudProvisioner{Generate: func() (string, error) { return "generated", nil }}}

	cred, err := chain.Provision(context.Background(), db, "GG-AB12-9F", testutil.Epoch)
	require.NoError(t, err)
	assert.Equal(t, SourceCloud, cred.Source)
	assert.Equal(t, "generated", cred.Secret)
	assert.Equal(t, auth.DigestSecret("generated"), cred.Digest)
}

func TestChainStopsOnError(t *testing.T) {
	db := testutil.NewDB(t)
	boom := errors.New("boom")
	chain := Chain{CloudProvisioner{Generate: func() (string, error) { return "", boom }}}

	_, err := chain.Provision(context.Background(), db, "GG-AB12-9F", testutil.Epoch)
	assert.ErrorIs(t, err, boom)

	_, err = Chain{}.Provision(context.Background(), db, "GG-AB12-9F", testutil.Epoch)
	assert.Error(t, err)
}
