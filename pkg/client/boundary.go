package client

import (
	"context"

	"github.com/agenthands/autonet/pkg/archive"
	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/vault"
)

// The helpers below expose each operation with plain bytes and strings only.
// Addresses are 64 lowercase hex characters; CIDv1 strings are accepted too.

// DataPutString stores payload and returns its address.
func (c *Client) DataPutString(ctx context.Context, payload []byte, payer core.Payer) (string, error) {
	res, err := c.DataPut(ctx, payload, payer)
	if err != nil {
		return "", err
	}
	return res.Address.String(), nil
}

// DataGetString fetches the payload at addr.
func (c *Client) DataGetString(ctx context.Context, addr string) ([]byte, error) {
	a, err := cidutil.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return c.DataGet(ctx, a)
}

// DataCostString renders the estimated cost of payload in atto units.
func (c *Client) DataCostString(ctx context.Context, payload []byte) (string, error) {
	total, err := c.DataCost(ctx, payload)
	if err != nil {
		return "", err
	}
	return total.String(), nil
}

// FileRef is an archive entry in boundary form.
type FileRef struct {
	Address  string
	Size     uint64
	Created  int64
	Modified int64
	Mode     uint32
}

// ArchivePutMap stores an archive built from files and returns its address.
func (c *Client) ArchivePutMap(ctx context.Context, files map[string]FileRef, payer core.Payer) (string, error) {
	a := archive.New()
	for p, f := range files {
		addr, err := cidutil.ParseAddress(f.Address)
		if err != nil {
			return "", err
		}
		meta := archive.Metadata{Size: f.Size, Created: f.Created, Modified: f.Modified, Mode: f.Mode}
		if err := a.AddFile(p, addr, meta); err != nil {
			return "", err
		}
	}
	res, err := c.ArchivePut(ctx, a, payer)
	if err != nil {
		return "", err
	}
	return res.Address.String(), nil
}

// ArchiveGetMap fetches the archive at addr keyed by path.
func (c *Client) ArchiveGetMap(ctx context.Context, addr string) (map[string]FileRef, error) {
	at, err := cidutil.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	a, err := c.ArchiveGet(ctx, at)
	if err != nil {
		return nil, err
	}
	out := make(map[string]FileRef, a.Len())
	for _, e := range a.Files() {
		out[e.Path] = FileRef{
			Address:  e.Address.String(),
			Size:     e.Meta.Size,
			Created:  e.Meta.Created,
			Modified: e.Meta.Modified,
			Mode:     e.Meta.Mode,
		}
	}
	return out, nil
}

// VaultPutBytes writes payload to the vault owned by secretKey.
func (c *Client) VaultPutBytes(ctx context.Context, payload, secretKey []byte, payer core.Payer) error {
	sk, err := vault.SecretKeyFromBytes(secretKey)
	if err != nil {
		return err
	}
	_, err = c.VaultPut(ctx, sk, payload, payer)
	return err
}

// VaultGetBytes reads the vault owned by secretKey.
func (c *Client) VaultGetBytes(ctx context.Context, secretKey []byte) ([]byte, error) {
	sk, err := vault.SecretKeyFromBytes(secretKey)
	if err != nil {
		return nil, err
	}
	return c.VaultGet(ctx, sk)
}
