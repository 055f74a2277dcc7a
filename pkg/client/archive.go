package client

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/agenthands/autonet/pkg/archive"
	"github.com/agenthands/autonet/pkg/core"
	"go.uber.org/zap"
)

// ArchivePut stores the serialized archive through the data path. The files
// it points at must be stored separately.
func (c *Client) ArchivePut(ctx context.Context, a *archive.Archive, payer core.Payer) (res PutResult, err error) {
	defer func() { c.metrics.Operation("archive_put", err) }()
	return c.putArchive(ctx, a, payer)
}

func (c *Client) putArchive(ctx context.Context, a *archive.Archive, payer core.Payer) (PutResult, error) {
	b, err := c.archives.Serialize(a)
	if err != nil {
		return PutResult{}, err
	}
	res, err := c.putData(ctx, b, payer)
	if err != nil {
		return res, err
	}
	c.logger.Info("stored archive",
		zap.Stringer("addr", res.Address),
		zap.Int("files", a.Len()),
		zap.Stringer("paid", res.Paid),
	)
	return res, nil
}

// ArchiveGet fetches the archive stored at addr.
func (c *Client) ArchiveGet(ctx context.Context, addr core.Address) (a *archive.Archive, err error) {
	defer func() { c.metrics.Operation("archive_get", err) }()
	return c.getArchive(ctx, addr)
}

func (c *Client) getArchive(ctx context.Context, addr core.Address) (*archive.Archive, error) {
	b, err := c.getData(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c.archives.Deserialize(b)
}

// ArchiveCost estimates the cost of storing the archive itself.
func (c *Client) ArchiveCost(ctx context.Context, a *archive.Archive) (total core.Amount, err error) {
	defer func() { c.metrics.Operation("archive_cost", err) }()

	b, err := c.archives.Serialize(a)
	if err != nil {
		return 0, err
	}
	est, err := c.estimate(ctx, b)
	if err != nil {
		return 0, err
	}
	return est.Total, nil
}

// DirUpload stores every regular file under dir, then an archive listing
// them by their slash-separated path relative to dir. The result accounts
// for the files and the archive together; its Address is the archive's.
func (c *Client) DirUpload(ctx context.Context, dir string, payer core.Payer) (res PutResult, a *archive.Archive, err error) {
	defer func() { c.metrics.Operation("dir_upload", err) }()

	a = archive.New()
	created := c.now().Unix()
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}

		file, err := c.putData(ctx, data, payer)
		res.merge(file)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", rel, err)
		}
		c.logger.Debug("uploaded file", zap.String("path", rel), zap.Stringer("addr", file.Address))

		return a.AddFile(filepath.ToSlash(rel), file.Address, archive.Metadata{
			Size:     uint64(len(data)),
			Created:  created,
			Modified: info.ModTime().Unix(),
			Mode:     uint32(info.Mode().Perm()),
		})
	})
	if err != nil {
		return res, nil, err
	}

	arc, err := c.putArchive(ctx, a, payer)
	res.merge(arc)
	res.Address = arc.Address
	if err != nil {
		return res, nil, err
	}
	return res, a, nil
}

// DirDownload restores the archive at addr under dir, fetching one file at a
// time. Permission bits and modification times are restored; a file with no
// recorded mode gets 0644.
func (c *Client) DirDownload(ctx context.Context, addr core.Address, dir string) (a *archive.Archive, err error) {
	defer func() { c.metrics.Operation("dir_download", err) }()

	a, err = c.getArchive(ctx, addr)
	if err != nil {
		return nil, err
	}
	for _, e := range a.Files() {
		if err := c.restore(ctx, dir, e); err != nil {
			return nil, err
		}
	}
	c.logger.Info("restored archive",
		zap.Stringer("addr", addr),
		zap.String("dir", dir),
		zap.Int("files", a.Len()),
	)
	return a, nil
}

func (c *Client) restore(ctx context.Context, dir string, e archive.Entry) error {
	data, err := c.getData(ctx, e.Address)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", e.Path, err)
	}
	if uint64(len(data)) != e.Meta.Size {
		return fmt.Errorf("%w: %s is %d bytes, archive records %d", core.ErrCorrupt, e.Path, len(data), e.Meta.Size)
	}

	// Archive paths are clean and relative, so the join stays under dir.
	target := filepath.Join(dir, filepath.FromSlash(e.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	mode := fs.FileMode(e.Meta.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return err
	}
	if err := os.Chmod(target, mode); err != nil {
		return err
	}
	if e.Meta.Modified != 0 {
		mtime := time.Unix(e.Meta.Modified, 0)
		if err := os.Chtimes(target, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}
