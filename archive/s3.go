package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config tunes the S3 backend. The zero value uses the ambient AWS
// config (environment, shared config files, instance roles).
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// S3Store reads an archive from an s3://bucket/prefix location. Manifests
// are fetched whole; plaintext volumes are read lazily with ranged gets,
// encrypted volumes are downloaded and decrypted into the spool.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	keys   *Keyring
	spool  *Spool
	logger *zap.Logger
}

// NewS3Store opens an archive at an s3:// location.
func NewS3Store(ctx context.Context, location string, opts StoreOptions) (*S3Store, error) {
	bucket, prefix, err := splitS3Location(location)
	if err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.S3.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.S3.Region))
	}
	if opts.S3.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.S3.AccessKey, opts.S3.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3.Endpoint)
		}
		o.UsePathStyle = opts.S3.UsePathStyle
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		keys:   opts.Keyring,
		spool:  opts.Spool,
		logger: opts.logger().Named("s3"),
	}, nil
}

func splitS3Location(location string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(location, "s3://")
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid s3 location %q", location)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

func (s *S3Store) Collections(ctx context.Context) ([]Collection, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3 archive: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			// Keys under deeper prefixes are not part of this archive.
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	cols, err := groupCollections(names)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listed s3 archive",
		zap.String("bucket", s.bucket),
		zap.String("prefix", s.prefix),
		zap.Int("collections", len(cols)))
	return cols, nil
}

func (s *S3Store) Manifest(ctx context.Context, c Collection) (*Manifest, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + c.Manifest),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", c.Manifest, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", c.Manifest, err)
	}
	return decodeManifestData(data, c, s.keys)
}

func (s *S3Store) OpenVolume(ctx context.Context, name string) (*Volume, error) {
	info, err := ParseName(name)
	if err != nil || info.Manifest {
		return nil, fmt.Errorf("%w: %q", ErrVolumeNotFound, name)
	}

	if !info.Encrypted {
		key := s.prefix + name
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrVolumeNotFound, name, err)
		}
		return OpenVolume(name, &s3ReaderAt{store: s, key: key}, aws.ToInt64(head.ContentLength), nil)
	}

	if s.spool == nil {
		return nil, errors.New("encrypted s3 volumes require a spool")
	}
	sf, err := s.spool.Get(name, func(w io.Writer) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + name),
		})
		if err != nil {
			return fmt.Errorf("fetching volume %s: %w", name, err)
		}
		defer out.Body.Close()
		r, err := s.keys.Decrypt(out.Body)
		if err != nil {
			return fmt.Errorf("volume %s: %w", name, err)
		}
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("downloading volume %s: %w", name, err)
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

// s3ReaderAt adapts ranged GetObject to io.ReaderAt so a plaintext volume
// can be read piecemeal without downloading it whole.
type s3ReaderAt struct {
	store *S3Store
	key   string
}

func (r *s3ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	out, err := r.store.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(r.store.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		return 0, fmt.Errorf("ranged get %s: %w", r.key, err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if err == io.ErrUnexpectedEOF {
		// S3 clamps ranges at the object's end.
		return n, io.EOF
	}
	return n, err
}
