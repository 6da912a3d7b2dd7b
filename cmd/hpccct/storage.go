package main

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/hpctoolkit/hpccct/internal/profile"
	"github.com/hpctoolkit/hpccct/internal/storageprovider"
	"github.com/hpctoolkit/hpccct/internal/storageutil"
)

// localFiles implements storageutil.ObjectHandler on the local file system.
// Names are paths.
type localFiles struct{}

type localFile struct {
	*os.File
	size int64
}

func (f localFile) Size() int64 {
	return f.size
}

func (localFiles) Put(_ context.Context, name string) (io.WriteCloser, error) {
	return os.Create(name)
}

func (localFiles) Get(_ context.Context, name string) (storageutil.ReadSizeCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return localFile{File: f, size: fi.Size()}, nil
}

// openStorage returns the handler for url, or the local file system when
// url is empty. The returned func releases it.
func openStorage(ctx context.Context, url string) (storageutil.ObjectHandler, func(), error) {
	if url == "" {
		return localFiles{}, func() {}, nil
	}
	h, err := storageprovider.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return h, func() { _ = h.Close() }, nil
}

// loadProfiles reads names concurrently, at most parallelism at a time, and
// returns them in the order given. The first failure cancels the rest.
func loadProfiles(ctx context.Context, h storageutil.ObjectHandler, names []string, opts profile.ReadOptions, parallelism int) ([]*profile.Profile, error) {
	profiles := make([]*profile.Profile, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := storageutil.ReadProfile(ctx, h, name, opts)
			if err != nil {
				return err
			}
			profiles[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return profiles, nil
}
