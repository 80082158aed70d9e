package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// checksumMetadataKey is the object metadata entry the CI pipeline sets to the archive's
// sha256.
const checksumMetadataKey = "sha256"

// S3Client reads bundle archives from an S3-compatible store inside the isolated network.
type S3Client struct {
	client *s3.Client
	bucket string
}

// NewS3Client creates a client for the configured endpoint. Without credentials it falls
// back to anonymous access.
func NewS3Client(ctx context.Context, fc FetchConfig) (*S3Client, error) {
	if fc.Bucket == "" {
		return nil, fmt.Errorf("fetch.bucket is not configured")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(fc.Region))
	if err != nil {
		cfg = aws.Config{
			Region:      fc.Region,
			Credentials: aws.AnonymousCredentials{},
		}
	} else {
		creds, err := cfg.Credentials.Retrieve(ctx)
		if err != nil || creds.AccessKeyID == "" {
			cfg.Credentials = aws.AnonymousCredentials{}
		}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if fc.Endpoint != "" {
			o.BaseEndpoint = aws.String(fc.Endpoint)
		}
		o.UsePathStyle = fc.PathStyle
	})
	return &S3Client{client: client, bucket: fc.Bucket}, nil
}

// ObjectInfo is what a HEAD on the archive tells us.
type ObjectInfo struct {
	Size   int64
	SHA256 string
}

// Head returns the size of an object and the checksum recorded in its metadata, if any.
func (s *S3Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to get object metadata: %w", err)
	}
	if resp.ContentLength == nil {
		return ObjectInfo{}, fmt.Errorf("content length not available")
	}
	return ObjectInfo{
		Size:   *resp.ContentLength,
		SHA256: strings.ToLower(resp.Metadata[checksumMetadataKey]),
	}, nil
}

// SidecarChecksum reads "<key>.sha256" in sha256sum format. A missing sidecar returns "".
func (s *S3Client) SidecarChecksum(ctx context.Context, key string) (string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + ".sha256"),
	})
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum sidecar for %s", key)
	}
	return strings.ToLower(fields[0]), nil
}

// DownloadWithChecksum downloads an S3 object to a local file and returns SHA256 checksum
func (s *S3Client) DownloadWithChecksum(ctx context.Context, key, localPath string) (string, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"s3_key":     key,
		"local_path": localPath,
	})

	logger.Info("starting S3 download")

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get S3 object: %w", err)
	}
	defer resp.Body.Close()

	// Stream download while computing checksum
	hasher := sha256.New()
	bytesWritten, err := writeAtomic(localPath, 0o600, func(w io.Writer) (int64, error) {
		return io.Copy(io.MultiWriter(w, hasher), resp.Body)
	})
	if err != nil {
		return "", fmt.Errorf("failed to download object: %w", err)
	}

	checksum := fmt.Sprintf("%x", hasher.Sum(nil))
	logger.WithFields(logrus.Fields{
		"bytes_downloaded": bytesWritten,
		"sha256":           checksum,
	}).Info("download completed")

	return checksum, nil
}

// FetchBundle downloads the archive at key into destDir, checks it against the published
// checksum and extracts it. It returns the extracted bundle root.
func FetchBundle(ctx context.Context, s *S3Client, key, destDir string, sc *SecurityConfig) (string, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"s3_key": key, "dest_dir": destDir})

	info, err := s.Head(ctx, key)
	if err != nil {
		return "", err
	}
	if err := sc.ValidateFileSize(info.Size, "archive"); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}
	// The archive and its extracted copy coexist until extraction finishes.
	if err := CheckDiskSpace(ctx, destDir, uint64(info.Size)*2); err != nil {
		return "", err
	}

	expected := info.SHA256
	if expected == "" {
		if expected, err = s.SidecarChecksum(ctx, key); err != nil {
			return "", err
		}
	}

	archive := filepath.Join(destDir, path.Base(key))
	checksum, err := s.DownloadWithChecksum(ctx, key, archive)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	if expected == "" {
		logger.WithField("sha256", checksum).Warn("no published checksum for bundle, integrity not verified")
	} else if checksum != expected {
		return "", fmt.Errorf("checksum mismatch for %s: expected %s, got %s", key, expected, checksum)
	}

	name := strings.TrimSuffix(path.Base(key), path.Ext(key))
	name = strings.TrimSuffix(name, ".tar")
	root, err := UnpackBundle(ctx, archive, filepath.Join(destDir, name), sc)
	if err != nil {
		return "", err
	}
	logger.WithField("bundle", root).Info("bundle fetched")
	return root, nil
}
