package admission

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/artifact"
)

// BlobGetter downloads an arbitrary blob URI.
type BlobGetter interface {
	Get(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ArchiveFetcher retrieves a repository tarball at a named revision.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, repo, ref, token string) (io.ReadCloser, error)
}

// S3BlobGetter implements BlobGetter for s3:// URIs.
type S3BlobGetter struct {
	client artifact.S3API
}

// NewS3BlobGetter creates an S3BlobGetter.
func NewS3BlobGetter(client artifact.S3API) *S3BlobGetter {
	return &S3BlobGetter{client: client}
}

// Get streams the object named by an s3://bucket/key URI.
func (g *S3BlobGetter) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return nil, fmt.Errorf("unsupported bundle location %q", uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("malformed bundle location %q", uri)
	}
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	return out.Body, nil
}

// Fetcher implements contracts.SourceFetcher over the two source kinds:
// pre-built bundles from blob storage and VCS revisions.
type Fetcher struct {
	blobs    BlobGetter
	archives ArchiveFetcher
	creds    contracts.CredentialSource
}

// NewFetcher creates a Fetcher. creds resolves repo token references.
func NewFetcher(blobs BlobGetter, archives ArchiveFetcher, creds contracts.CredentialSource) *Fetcher {
	return &Fetcher{blobs: blobs, archives: archives, creds: creds}
}

// Fetch materialises the order's code into a temp directory. The cleanup
// function removes it.
func (f *Fetcher) Fetch(ctx context.Context, src contracts.OrderSource) (string, func(), error) {
	dir, err := os.MkdirTemp("", "exec-engine-src-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating source dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	if src.BundleLocation != "" {
		if err := f.fetchBlob(ctx, src.BundleLocation, dir); err != nil {
			cleanup()
			return "", nil, err
		}
		return dir, cleanup, nil
	}

	root, err := f.fetchRepo(ctx, src, dir)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return root, cleanup, nil
}

func (f *Fetcher) fetchBlob(ctx context.Context, uri, dir string) error {
	body, err := f.blobs.Get(ctx, uri)
	if err != nil {
		return err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", uri, err)
	}
	if err := extractZip(data, dir); err != nil {
		return fmt.Errorf("extracting %s: %w", uri, err)
	}
	return nil
}

func (f *Fetcher) fetchRepo(ctx context.Context, src contracts.OrderSource, dir string) (string, error) {
	token := ""
	if src.TokenRef != "" {
		value, err := f.creds.Fetch(ctx, src.TokenRef)
		if err != nil {
			return "", fmt.Errorf("resolving token for %s: %w", src.Repo, err)
		}
		token = strings.TrimSpace(string(value))
	}

	archive, err := f.archives.FetchArchive(ctx, src.Repo, src.Commit, token)
	if err != nil {
		return "", err
	}
	defer archive.Close()

	if err := extractTarGz(archive, dir); err != nil {
		return "", fmt.Errorf("extracting archive for %s: %w", src.Repo, err)
	}

	root := dir
	if src.Folder != "" {
		sub, err := safeJoin(dir, src.Folder)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(sub)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("folder %q not found in %s", src.Folder, src.Repo)
		}
		root = sub
	}
	return root, nil
}
