package infra

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tnqbao/gau-deploy-orchestrator/config"
)

// MinioClient stores uploaded bundles so the gateway and the build worker
// can run on different hosts.
type MinioClient struct {
	Admin    *madmin.AdminClient
	Client   *minio.Client
	Endpoint string
	Bucket   string
}

func InitMinioClient(cfg *config.EnvConfig) *MinioClient {
	endpoint := cfg.Minio.Endpoint
	if endpoint == "" {
		panic("MinIO endpoint is not configured")
	}

	rootUser := cfg.Minio.RootUser
	if rootUser == "" {
		panic("MinIO root user is not configured")
	}

	rootPassword := cfg.Minio.RootPassword
	if rootPassword == "" {
		panic("MinIO root password is not configured")
	}

	madminClient, err := madmin.New(endpoint, rootUser, rootPassword, cfg.Minio.UseSSL)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize MinIO admin client: %v", err))
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(rootUser, rootPassword, ""),
		Secure: cfg.Minio.UseSSL,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize MinIO client: %v", err))
	}

	client := &MinioClient{
		Admin:    madminClient,
		Client:   minioClient,
		Endpoint: endpoint,
		Bucket:   cfg.Minio.BundleBucket,
	}

	ctx := context.Background()
	if err := client.EnsureBucket(ctx, client.Bucket); err != nil {
		panic(fmt.Sprintf("Failed to prepare bundle bucket: %v", err))
	}
	if cfg.Minio.BucketQuota > 0 {
		if err := client.SetBucketQuota(ctx, client.Bucket, cfg.Minio.BucketQuota); err != nil {
			panic(fmt.Sprintf("Failed to set bundle bucket quota: %v", err))
		}
	}

	return client
}

// EnsureBucket creates a bucket if it doesn't exist
func (m *MinioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.Client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = m.Client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// SetBucketQuota applies a hard size limit in bytes to a bucket
func (m *MinioClient) SetBucketQuota(ctx context.Context, bucket string, quota uint64) error {
	err := m.Admin.SetBucketQuota(ctx, bucket, &madmin.BucketQuota{
		Quota: quota,
		Type:  madmin.HardQuota,
	})
	if err != nil {
		return fmt.Errorf("failed to set bucket quota: %w", err)
	}
	return nil
}

func (m *MinioClient) PutBundle(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := m.Client.PutObject(ctx, m.Bucket, key, data, size, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}
	return nil
}

// FetchBundle downloads a bundle into a local file
func (m *MinioClient) FetchBundle(ctx context.Context, key, dest string) error {
	if err := m.Client.FGetObject(ctx, m.Bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download bundle: %w", err)
	}
	return nil
}

func (m *MinioClient) RemoveBundle(ctx context.Context, key string) error {
	if err := m.Client.RemoveObject(ctx, m.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove bundle: %w", err)
	}
	return nil
}

// Status reports the server mode ("online" when healthy)
func (m *MinioClient) Status(ctx context.Context) (string, error) {
	info, err := m.Admin.ServerInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get MinIO server info: %w", err)
	}
	return info.Mode, nil
}
