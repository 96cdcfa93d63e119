package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"

	"github.com/synaptica-ai/ctscan/pkg/common/httpclient"
)

// Fetcher copies the archive behind source into w.
type Fetcher interface {
	Fetch(ctx context.Context, source string, w io.Writer) error
}

// HTTPFetcher downloads http(s) sources. Google Drive share links are
// rewritten to their direct download form first.
type HTTPFetcher struct {
	client   *resty.Client
	progress bool
}

func NewHTTPFetcher(client *resty.Client, progress bool) *HTTPFetcher {
	return &HTTPFetcher{client: client, progress: progress}
}

// NewDefaultHTTPFetcher uses the shared tuned transport.
func NewDefaultHTTPFetcher(cfg HTTPOptions) *HTTPFetcher {
	return NewHTTPFetcher(resty.NewWithClient(httpclient.New(cfg.Timeout)), cfg.Progress)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source string, w io.Writer) error {
	target := DriveDownloadURL(source)
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(target)
	if err != nil {
		return &DownloadError{Source: source, Retriable: httpclient.IsRetriable(err), Err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return &DownloadError{
			Source:    source,
			Retriable: httpclient.IsRetriableStatus(resp.StatusCode()),
			Err:       fmt.Errorf("%w: %s", errBadStatus, resp.Status()),
		}
	}
	if strings.HasPrefix(resp.Header().Get("Content-Type"), "text/html") {
		return &DownloadError{Source: source, Err: fmt.Errorf("%w: got an HTML page, the file may not be shared publicly", errNotAnArchive)}
	}

	dst := w
	if f.progress {
		bar := progressbar.DefaultBytes(resp.RawResponse.ContentLength, "downloading")
		defer bar.Finish()
		dst = io.MultiWriter(w, bar)
	}
	if _, err := io.Copy(dst, body); err != nil {
		return &DownloadError{Source: source, Retriable: httpclient.IsRetriable(err), Err: err}
	}
	return nil
}

// DriveDownloadURL turns https://drive.google.com/file/d/<id>/view links into
// direct download URLs. The file id is the second-to-last path segment. Any
// other URL is returned unchanged.
func DriveDownloadURL(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Host != "drive.google.com" || !strings.HasPrefix(u.Path, "/file/d/") {
		return source
	}
	segments := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	if len(segments) < 2 {
		return source
	}
	return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(segments[len(segments)-2])
}

type HTTPOptions struct {
	Timeout  time.Duration
	Progress bool
}

// S3Options mirrors the S3 settings of the process configuration.
type S3Options struct {
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Fetcher downloads s3://bucket/key sources with the transfer manager.
type S3Fetcher struct {
	downloader *manager.Downloader
}

func NewS3Fetcher(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = true
	})
	return NewS3FetcherFromClient(client), nil
}

func NewS3FetcherFromClient(client manager.DownloadAPIClient) *S3Fetcher {
	return &S3Fetcher{downloader: manager.NewDownloader(client)}
}

func (f *S3Fetcher) Fetch(ctx context.Context, source string, w io.Writer) error {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return &DownloadError{Source: source, Err: fmt.Errorf("%w: want s3://bucket/key", errUnsupportedSource)}
	}
	input := &s3.GetObjectInput{Bucket: aws.String(u.Host), Key: aws.String(strings.TrimPrefix(u.Path, "/"))}

	if wa, ok := w.(io.WriterAt); ok {
		if _, err := f.downloader.Download(ctx, wa, input); err != nil {
			return &DownloadError{Source: source, Retriable: httpclient.IsRetriable(err), Err: err}
		}
		return nil
	}
	buf := manager.NewWriteAtBuffer(nil)
	if _, err := f.downloader.Download(ctx, buf, input); err != nil {
		return &DownloadError{Source: source, Retriable: httpclient.IsRetriable(err), Err: err}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return &DownloadError{Source: source, Err: err}
	}
	return nil
}

// FileFetcher copies a local archive, given as a path or a file:// URL.
type FileFetcher struct{}

func (FileFetcher) Fetch(_ context.Context, source string, w io.Writer) error {
	path := strings.TrimPrefix(source, "file://")
	f, err := os.Open(path)
	if err != nil {
		return &DownloadError{Source: source, Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return &DownloadError{Source: source, Err: err}
	}
	return nil
}

func scheme(source string) string {
	i := strings.Index(source, "://")
	if i < 0 {
		return "file"
	}
	return strings.ToLower(source[:i])
}
