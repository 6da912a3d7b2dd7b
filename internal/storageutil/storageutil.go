package storageutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/profile"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = errors.New("object not found")

// DefaultTimeout bounds a single object read or write.
var DefaultTimeout = 30 * time.Second

type ReadSizeCloser interface {
	io.Reader
	io.Closer
	Size() int64
}

// ObjectHandler provides common interface for multiple storage providers.
type ObjectHandler interface {
	// Put writes a file to the storage provider with name being the path.
	Put(ctx context.Context, name string) (io.WriteCloser, error)
	// Get reads a file from the storage provider with name being the path.
	// If a key was not found, it will return ErrObjectNotFound.
	Get(ctx context.Context, name string) (ReadSizeCloser, error)
}

// WriteProfile encodes p and stores it under objectName.
func WriteProfile(ctx context.Context, b ObjectHandler, objectName string, p *profile.Profile, opts profile.WriteOptions) ([]cct.IDChange, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	ow, err := b.Put(ctx, objectName)
	if err != nil {
		return nil, err
	}
	changes, err := profile.Write(ow, p, opts)
	if err != nil {
		_ = ow.Close()
		return nil, err
	}
	err = ow.Close()
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// ReadProfile reads the profile stored under objectName. Format errors name
// the object.
func ReadProfile(ctx context.Context, b ObjectHandler, objectName string, opts profile.ReadOptions) (*profile.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	or, err := b.Get(ctx, objectName)
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", objectName, err)
	}
	defer or.Close()
	if opts.Source == "" {
		opts.Source = objectName
	}
	return profile.Read(or, opts)
}

type (
	ReadJob struct {
		Ctx        context.Context
		Storage    ObjectHandler
		ObjectName string
		Options    profile.ReadOptions
		Result     chan<- ReadJobResult
	}

	ReadJobResult struct {
		ObjectName string
		Profile    *profile.Profile
		Err        error
	}
)

func (job ReadJob) Read() {
	p, err := ReadProfile(job.Ctx, job.Storage, job.ObjectName, job.Options)
	job.Result <- ReadJobResult{ObjectName: job.ObjectName, Profile: p, Err: err}
}

func (result ReadJobResult) Error() error {
	return result.Err
}
