package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/configuration"
)

const StageName = "Data Ingestion"

// Stage downloads the dataset archive and extracts it next to itself.
type Stage struct {
	cfg      configuration.DataIngestionConfig
	store    *artifacts.Store
	fetchers map[string]Fetcher
	log      logrus.FieldLogger
}

func NewStage(cfg configuration.DataIngestionConfig, store *artifacts.Store, log logrus.FieldLogger) *Stage {
	return &Stage{
		cfg:   cfg,
		store: store,
		fetchers: map[string]Fetcher{
			"file": FileFetcher{},
		},
		log: log.WithField("stage", StageName),
	}
}

// RegisterFetcher serves sources with the given URL scheme.
func (s *Stage) RegisterFetcher(scheme string, f Fetcher) {
	s.fetchers[scheme] = f
}

func (s *Stage) Name() string {
	return StageName
}

func (s *Stage) Run(ctx context.Context) (artifacts.Set, error) {
	if err := s.DownloadFile(ctx); err != nil {
		return nil, err
	}
	if err := s.ExtractZipFile(); err != nil {
		return nil, err
	}
	return artifacts.Set{
		artifacts.RawDataset: s.cfg.LocalDataFile,
		artifacts.Dataset:    filepath.Join(s.cfg.UnzipDir, s.cfg.DatasetDir),
	}, nil
}

// DownloadFile replaces the local archive with a fresh copy of the source.
func (s *Stage) DownloadFile(ctx context.Context) error {
	source := s.cfg.SourceURL
	f, ok := s.fetchers[scheme(source)]
	if !ok {
		return &DownloadError{Source: source, Err: fmt.Errorf("%w: scheme %q", errUnsupportedSource, scheme(source))}
	}
	s.log.Infof("Downloading data from %s into file %s", source, s.cfg.LocalDataFile)

	err := artifacts.WriteAtomic(s.cfg.LocalDataFile, func(w io.Writer) error {
		return f.Fetch(ctx, source, w)
	})
	if err != nil {
		s.log.WithError(err).Error("download failed")
		return err
	}

	size, err := s.store.SizeKB(artifacts.RawDataset)
	if err != nil {
		size = "unknown size"
	}
	s.log.WithField("size", size).Infof("Downloaded data from %s into file %s", source, s.cfg.LocalDataFile)
	return nil
}

// ExtractZipFile unpacks the local archive into the unzip directory and
// checks that the dataset directory came out of it.
func (s *Stage) ExtractZipFile() error {
	entries, err := Extract(s.cfg.LocalDataFile, s.cfg.UnzipDir)
	if err != nil {
		s.log.WithError(err).Errorf("Error extracting zip file: %s", s.cfg.LocalDataFile)
		return err
	}
	dataset := filepath.Join(s.cfg.UnzipDir, s.cfg.DatasetDir)
	if info, err := os.Stat(dataset); err != nil || !info.IsDir() {
		err := &ExtractionError{Archive: s.cfg.LocalDataFile, Err: fmt.Errorf("%w: %s", errMissingDataset, s.cfg.DatasetDir)}
		s.log.WithError(err).Error("extracted archive is missing the dataset")
		return err
	}
	s.log.WithField("entries", entries).Infof("Extracted zip file into: %s", s.cfg.UnzipDir)
	return nil
}
