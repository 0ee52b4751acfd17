package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kidgate/internal/apperr"
	"kidgate/internal/auth"

	"github.com/jmoiron/sqlx"
)

// Source records where a device's refresh credential came from.
type Source string

const (
	SourceExisting Source = "existing"
	SourceFactory  Source = "factory"
	SourceCloud    Source = "cloud"
)

// Credential is a resolved refresh credential. Secret is only set when the
// cleartext was created here and has to be handed to the caller exactly once.
type Credential struct {
	Digest string
	Secret string
	Source Source
}

// Provisioner resolves the long-lived refresh credential for a device being
// bound. It returns nil, nil when it does not apply to the device.
type Provisioner interface {
	Provision(ctx context.Context, q sqlx.ExtContext, deviceCode string, now time.Time) (*Credential, error)
}

// FactoryProvisioner reuses a bootstrap secret provisioned out of band. The
// device already holds the cleartext, so none is returned.
type FactoryProvisioner struct{}

func (FactoryProvisioner) Provision(ctx context.Context, q sqlx.ExtContext, deviceCode string, now time.Time) (*Credential, error) {
	bs, err := GetBootstrap(ctx, q, deviceCode)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if bs.UsedAt == nil {
		_, err := q.ExecContext(ctx, q.Rebind(`
			UPDATE device_bootstrap_secrets SET used_at = ?
			WHERE device_code = ? AND used_at IS NULL
		`), now, deviceCode)
		if err != nil {
			return nil, fmt.Errorf("consume bootstrap secret: %w", err)
		}
	}
	return &Credential{Digest: bs.SecretHash, Source: SourceFactory}, nil
}

// CloudProvisioner generates a new random secret and keeps only its digest.
type CloudProvisioner struct {
	// Generate overrides the secret generator, mainly for tests.
	Generate func() (string, error)
}

func (p CloudProvisioner) Provision(ctx context.Context, q sqlx.ExtContext, deviceCode string, now time.Time) (*Credential, error) {
	gen := p.Generate
	if gen == nil {
		gen = auth.GenerateRefreshSecret
	}
	secret, err := gen()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	return &Credential{Digest: auth.DigestSecret(secret), Secret: secret, Source: SourceCloud}, nil
}

// Chain tries each provisioner in order and returns the first credential.
type Chain []Provisioner

func (c Chain) Provision(ctx context.Context, q sqlx.ExtContext, deviceCode string, now time.Time) (*Credential, error) {
	for _, p := range c {
		cred, err := p.Provision(ctx, q, deviceCode, now)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}
	}
	return nil, errors.New("no provisioner produced a credential")
}

// DefaultChain prefers factory secrets and falls back to generating one.
func DefaultChain() Chain {
	return Chain{FactoryProvisioner{}, CloudProvisioner{}}
}
