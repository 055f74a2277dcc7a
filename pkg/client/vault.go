package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/vault"
	"go.uber.org/zap"
)

// VaultPut encrypts payload under sk and writes it to sk's vault address,
// superseding whatever was there. Every write is paid.
//
// The new envelope carries a counter one above the highest readable copy on
// the network, so readers prefer it over replicas a failed rewrite left
// behind. When the current copies cannot be read for transport reasons the
// write is refused rather than risk going backwards.
func (c *Client) VaultPut(ctx context.Context, sk vault.SecretKey, payload []byte, payer core.Payer) (res PutResult, err error) {
	defer func() { c.metrics.Operation("vault_put", err) }()

	addr, err := sk.Address()
	if err != nil {
		return PutResult{}, err
	}
	var next uint64 = 1
	cur, err := c.latestVault(ctx, sk)
	switch {
	case err == nil:
		next = cur.Counter + 1
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrDecryption), errors.Is(err, core.ErrCorrupt):
	default:
		return PutResult{}, err
	}

	env, err := vault.Encrypt(sk, payload, next, c.rand)
	if err != nil {
		return PutResult{}, err
	}
	if len(env) > c.cfg.MaxChunkSize {
		return PutResult{}, fmt.Errorf("%w: vault envelope of %d bytes exceeds %d",
			core.ErrTooLarge, len(env), c.cfg.MaxChunkSize)
	}

	sum, err := c.writer.PutRecord(ctx, core.Record{Kind: core.KindVault, Address: addr, Data: env}, payer)
	res = PutResult{Address: addr, Chunks: 1}
	res.add(sum)
	if err != nil {
		return res, err
	}
	c.logger.Info("stored vault",
		zap.Stringer("addr", addr),
		zap.Uint64("counter", next),
		zap.Int("bytes", len(payload)),
		zap.Stringer("paid", res.Paid),
	)
	return res, nil
}

// VaultGet fetches and decrypts the vault of sk.
func (c *Client) VaultGet(ctx context.Context, sk vault.SecretKey) (payload []byte, err error) {
	defer func() { c.metrics.Operation("vault_get", err) }()
	return c.getVault(ctx, sk)
}

func (c *Client) getVault(ctx context.Context, sk vault.SecretKey) ([]byte, error) {
	cur, err := c.latestVault(ctx, sk)
	if err != nil {
		return nil, err
	}
	return cur.Payload, nil
}

// latestVault opens every copy of the vault of sk and returns the one with the
// highest counter. Ties go to the nearest holder. Copies that do not open are
// skipped; if none opens, a key mismatch is reported ahead of corruption.
func (c *Client) latestVault(ctx context.Context, sk vault.SecretKey) (vault.Contents, error) {
	addr, err := sk.Address()
	if err != nil {
		return vault.Contents{}, err
	}
	copies, err := c.reader.FetchRecordCopies(ctx, addr)
	if err != nil {
		return vault.Contents{}, err
	}

	var (
		best    vault.Contents
		found   bool
		failure error
	)
	for _, env := range copies {
		got, err := vault.Open(sk, env)
		if err != nil {
			if failure == nil || errors.Is(err, core.ErrDecryption) {
				failure = err
			}
			continue
		}
		if !found || got.Counter > best.Counter {
			best, found = got, true
		}
	}
	if !found {
		return vault.Contents{}, failure
	}
	if len(copies) > 1 {
		c.logger.Debug("resolved vault copies",
			zap.Stringer("addr", addr),
			zap.Int("copies", len(copies)),
			zap.Uint64("counter", best.Counter),
		)
	}
	return best, nil
}

// PutUserData stores u as the vault of sk.
func (c *Client) PutUserData(ctx context.Context, sk vault.SecretKey, u *vault.UserData, payer core.Payer) (PutResult, error) {
	b, err := vault.EncodeUserData(u)
	if err != nil {
		return PutResult{}, err
	}
	return c.VaultPut(ctx, sk, b, payer)
}

// GetUserData reads the vault of sk as UserData.
func (c *Client) GetUserData(ctx context.Context, sk vault.SecretKey) (u *vault.UserData, err error) {
	defer func() { c.metrics.Operation("user_data_get", err) }()

	b, err := c.getVault(ctx, sk)
	if err != nil {
		return nil, err
	}
	return vault.DecodeUserData(b)
}
