package pipeline

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/common/config"
	"github.com/synaptica-ai/ctscan/pkg/common/httpclient"
	"github.com/synaptica-ai/ctscan/pkg/configuration"
	"github.com/synaptica-ai/ctscan/pkg/ingestion"
	"github.com/synaptica-ai/ctscan/pkg/tracking"
)

// OptionsFromConfig wires the process configuration into stage options:
// http(s) and s3 dataset sources, progress bars and tracking credentials.
// When the AWS configuration cannot be loaded the s3 scheme is left
// unregistered and only s3 sources fail.
func OptionsFromConfig(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) Options {
	httpFetcher := ingestion.NewDefaultHTTPFetcher(ingestion.HTTPOptions{
		Timeout:  cfg.HTTPTimeout,
		Progress: cfg.ShowProgress,
	})

	opts := Options{
		Fetchers: map[string]ingestion.Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
		},
		Tracking: tracking.Options{
			Username:     cfg.TrackingUsername,
			Password:     cfg.TrackingPassword,
			TokenURL:     cfg.TrackingTokenURL,
			ClientID:     cfg.TrackingClientID,
			ClientSecret: cfg.TrackingClientSecret,
			HTTPClient:   httpclient.New(cfg.TrackingTimeout),
		},
		TrackingTimeout: cfg.TrackingTimeout,
	}

	s3Fetcher, err := ingestion.NewS3Fetcher(ctx, ingestion.S3Options{
		Region:          cfg.AWSRegion,
		EndpointURL:     cfg.S3EndpointURL,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		log.WithError(err).Warn("s3 sources disabled")
	} else {
		opts.Fetchers["s3"] = s3Fetcher
	}

	if cfg.ShowProgress {
		opts.Progress = os.Stderr
	}
	return opts
}

// RunEntry reads the declarative documents afresh, then builds and runs the
// entry point.
func RunEntry(ctx context.Context, entry Entry, cfg *config.Config, log logrus.FieldLogger) (artifacts.Set, error) {
	resolver, err := configuration.Load(cfg.ConfigFile, cfg.ParamsFile, log)
	if err != nil {
		return nil, err
	}
	o, err := Build(entry, resolver, OptionsFromConfig(ctx, cfg, log), log)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx)
}
