package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/snapvault/pkg/datastore"
)

// Errors mapped from S3 responses. All of them except a missing object are
// failures of the datastore rather than of a snapshot.
var (
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrThrottled           = errors.New("request throttled")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// API is the subset of the S3 client used by Store.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Ensure Store implements datastore.Handle.
var _ datastore.Handle = (*Store)(nil)

// Store is an S3-backed datastore handle.
type Store struct {
	name   string
	bucket string
	prefix string
	client API
	now    func() time.Time
}

// New creates a Store using the AWS SDK default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, datastore.Machinery(cfg.Name, "connect", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewWithClient(cfg, s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewWithClient creates a Store over an existing client.
func NewWithClient(cfg Config, client API) *Store {
	return &Store{
		name:   strings.TrimSpace(cfg.Name),
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
		client: client,
		now:    time.Now,
	}
}

// LoadAWSConfig resolves the SDK configuration for a datastore: region,
// shared profile and static keys override the default chain.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func (s *Store) Name() string { return s.name }

// Snapshots enumerates manifests in S3 key order.
func (s *Store) Snapshots(ctx context.Context, filter datastore.Filter) iter.Seq2[*datastore.Manifest, error] {
	return func(yield func(*datastore.Manifest, error) bool) {
		listPrefix := s.prefix + namespacePrefix(filter.Namespace)
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(listPrefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, datastore.Machinery(s.name, "list", s.wrapError(err)))
				return
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				dir, ok := parseManifestKey(strings.TrimPrefix(key, s.prefix))
				if !ok || !filter.Match(dir) {
					continue
				}
				m, err := s.loadManifest(ctx, dir)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(m, nil) {
					return
				}
			}
		}
	}
}

func namespacePrefix(ns string) string {
	ns = strings.Trim(ns, "/")
	if ns == "" {
		return ""
	}
	var b strings.Builder
	for _, part := range strings.Split(ns, "/") {
		b.WriteString("ns/")
		b.WriteString(part)
		b.WriteByte('/')
	}
	return b.String()
}

// parseManifestKey parses "[ns/<ns>/]<type>/<id>/<time>/index.json".
func parseManifestKey(rel string) (datastore.BackupDir, bool) {
	parts := strings.Split(rel, "/")
	var nsParts []string
	for len(parts) > 4 && parts[0] == "ns" {
		nsParts = append(nsParts, parts[1])
		parts = parts[2:]
	}
	if len(parts) != 4 || parts[3] != datastore.ManifestFileName {
		return datastore.BackupDir{}, false
	}
	backupTime, err := datastore.ParseBackupTime(parts[2])
	if err != nil {
		return datastore.BackupDir{}, false
	}
	return datastore.BackupDir{
		Namespace: strings.Join(nsParts, "/"),
		Type:      parts[0],
		ID:        parts[1],
		Time:      backupTime,
	}, true
}

func (s *Store) snapshotKey(dir datastore.BackupDir, name string) string {
	return s.prefix + path.Join(dir.RelPath(), name)
}

func (s *Store) loadManifest(ctx context.Context, dir datastore.BackupDir) (*datastore.Manifest, error) {
	m := &datastore.Manifest{}
	b, err := s.getObject(ctx, s.snapshotKey(dir, datastore.ManifestFileName))
	switch {
	case err != nil && isMachinery(err):
		return nil, datastore.Machinery(s.name, "read manifest", err)
	case err != nil:
		m.LoadError = err
	default:
		if err := json.Unmarshal(b, m); err != nil {
			m.LoadError = fmt.Errorf("%w: %v", datastore.ErrInvalidManifest, err)
		}
	}
	m.Namespace = dir.Namespace
	m.BackupType = dir.Type
	m.BackupID = dir.ID
	m.BackupTime = dir.Time
	return m, nil
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Verify downloads every file of the snapshot, compares sizes and sha256
// digests, and writes the verify state back into the manifest object.
func (s *Store) Verify(ctx context.Context, m *datastore.Manifest, upid string) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if m.LoadError != nil {
		return m.LoadError
	}

	dir := m.Dir()
	var errs []error
	for _, f := range m.Files {
		if err := s.verifyFile(ctx, s.snapshotKey(dir, f.Filename), f); err != nil {
			if isMachinery(err) {
				return datastore.Machinery(s.name, "verify", err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			errs = append(errs, err)
		}
	}
	verifyErr := errors.Join(errs...)

	state := datastore.VerifyOK
	if verifyErr != nil {
		state = datastore.VerifyFailed
	}
	m.Unprotected.VerifyState = &datastore.VerifyState{State: state, UPID: upid, Time: s.now().UTC()}
	if err := s.putManifest(ctx, dir, m); err != nil {
		if isMachinery(err) {
			return datastore.Machinery(s.name, "update verify state", err)
		}
		if verifyErr != nil {
			return verifyErr
		}
		return fmt.Errorf("update verify state: %w", err)
	}
	return verifyErr
}

func (s *Store) verifyFile(ctx context.Context, key string, entry datastore.FileEntry) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", entry.Filename, s.wrapError(err))
	}
	defer func() { _ = out.Body.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, out.Body)
	if err != nil {
		return fmt.Errorf("%s: read: %w", entry.Filename, err)
	}
	if n != entry.Size {
		return fmt.Errorf("%s: size %d, expected %d: %w", entry.Filename, n, entry.Size, datastore.ErrChecksumMismatch)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, entry.Csum) {
		return fmt.Errorf("%s: sha256 %s, expected %s: %w", entry.Filename, sum, entry.Csum, datastore.ErrChecksumMismatch)
	}
	return nil
}

func (s *Store) putManifest(ctx context.Context, dir datastore.BackupDir, m *datastore.Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.snapshotKey(dir, datastore.ManifestFileName)),
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return s.wrapError(err)
	}
	return nil
}

// wrapError maps S3 errors onto datastore and package sentinels.
func (s *Store) wrapError(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return fmt.Errorf("%w: %v", datastore.ErrSnapshotNotFound, err)
	case errors.As(err, &noSuchBucket):
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", datastore.ErrSnapshotNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}
	return err
}

func isMachinery(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrProviderUnavailable) ||
		datastore.IsMachinery(err)
}
