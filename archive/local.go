package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalStore reads an archive from a directory on the local filesystem.
// Plaintext volumes are opened in place; encrypted volumes are decrypted
// into the spool on first open.
type LocalStore struct {
	dir    string
	keys   *Keyring
	spool  *Spool
	logger *zap.Logger
}

// NewLocalStore opens the archive directory at dir.
func NewLocalStore(dir string, opts StoreOptions) (*LocalStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("archive directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive location %s is not a directory", dir)
	}
	return &LocalStore{
		dir:    dir,
		keys:   opts.Keyring,
		spool:  opts.Spool,
		logger: opts.logger().Named("local"),
	}, nil
}

func (s *LocalStore) Collections(ctx context.Context) ([]Collection, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing archive directory: %w", err)
	}
	names := make([]string, 0, len(dirents))
	for _, de := range dirents {
		if de.Type().IsRegular() {
			names = append(names, de.Name())
		}
	}
	cols, err := groupCollections(names)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listed archive directory",
		zap.Int("files", len(names)),
		zap.Int("collections", len(cols)))
	return cols, nil
}

func (s *LocalStore) Manifest(ctx context.Context, c Collection) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, c.Manifest))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return decodeManifestData(data, c, s.keys)
}

func (s *LocalStore) OpenVolume(ctx context.Context, name string) (*Volume, error) {
	info, err := ParseName(name)
	if err != nil || info.Manifest {
		return nil, fmt.Errorf("%w: %q", ErrVolumeNotFound, name)
	}
	path := filepath.Join(s.dir, name)

	if !info.Encrypted {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %q", ErrVolumeNotFound, name)
			}
			return nil, fmt.Errorf("opening volume: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening volume: %w", err)
		}
		vol, err := OpenVolume(name, f, st.Size(), f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return vol, nil
	}

	if s.spool == nil {
		return nil, fmt.Errorf("volume %s: %w", name, ErrEncrypted)
	}
	sf, err := s.spool.Get(name, func(w io.Writer) error {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %q", ErrVolumeNotFound, name)
			}
			return fmt.Errorf("opening volume: %w", err)
		}
		defer f.Close()
		r, err := s.keys.Decrypt(f)
		if err != nil {
			return fmt.Errorf("volume %s: %w", name, err)
		}
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("decrypting volume %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	vol, err := OpenVolume(name, sf, sf.Size(), sf)
	if err != nil {
		sf.Close()
		return nil, err
	}
	return vol, nil
}
