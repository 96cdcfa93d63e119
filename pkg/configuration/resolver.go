package configuration

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
)

const (
	DefaultDatasetDir      = "kidney-ct-scan-image"
	DefaultSeed            = 42
	DefaultValidationSplit = 0.20
)

type document struct {
	source string
	tree   map[string]any
}

// Resolver turns the structural document (config.yaml) and the
// hyperparameter document (params.yaml) into per-stage records. Both
// documents are read once and never modified afterwards.
type Resolver struct {
	config  document
	params  document
	baseDir string
	root    string
	log     logrus.FieldLogger
}

func Load(configPath, paramsPath string, log logrus.FieldLogger) (*Resolver, error) {
	cfg, err := readDocument(configPath, log)
	if err != nil {
		return nil, err
	}
	params, err := readDocument(paramsPath, log)
	if err != nil {
		return nil, err
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", configPath, err)
	}

	r := &Resolver{config: cfg, params: params, baseDir: filepath.Dir(absConfig), log: log}
	// project_root moves the base of relative paths, e.g. ".." for a
	// config.yaml kept in a config/ directory.
	projectRoot, err := r.optionalString("project_root")
	if err != nil {
		return nil, err
	}
	if projectRoot != "" {
		r.baseDir = r.abs(projectRoot)
	}
	root, err := r.stringKey(r.config, "artifacts_root")
	if err != nil {
		return nil, err
	}
	r.root = r.abs(root)
	if err := r.createDirs(r.root); err != nil {
		return nil, err
	}
	return r, nil
}

func readDocument(path string, log logrus.FieldLogger) (document, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(content, &tree); err != nil {
		return document{}, &ConfigTypeError{Key: path, Reason: fmt.Sprintf("not a YAML mapping: %v", err)}
	}
	if tree == nil {
		tree = map[string]any{}
	}
	log.WithField("file", path).Info("yaml file loaded successfully")
	return document{source: path, tree: tree}, nil
}

func (r *Resolver) ArtifactsRoot() string {
	return r.root
}

// Resolve returns the record for a stage and creates its directories.
func (r *Resolver) Resolve(stage Stage) (Record, error) {
	switch stage {
	case StageDataIngestion:
		return r.DataIngestionConfig()
	case StagePrepareBaseModel:
		return r.PrepareBaseModelConfig()
	case StageTraining:
		return r.TrainingConfig()
	case StageEvaluation:
		return r.EvaluationConfig()
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

func (r *Resolver) DataIngestionConfig() (DataIngestionConfig, error) {
	var c DataIngestionConfig
	var err error
	if c.RootDir, err = r.artifactPath("data_ingestion.root_dir"); err != nil {
		return c, err
	}
	if c.SourceURL, err = r.stringKey(r.config, "data_ingestion.source_URL"); err != nil {
		return c, err
	}
	if !strings.Contains(c.SourceURL, "://") {
		c.SourceURL = r.abs(c.SourceURL)
	}
	if c.LocalDataFile, err = r.artifactPath("data_ingestion.local_data_file"); err != nil {
		return c, err
	}
	if c.UnzipDir, err = r.artifactPath("data_ingestion.unzip_dir"); err != nil {
		return c, err
	}
	if c.DatasetDir, err = r.datasetDir(); err != nil {
		return c, err
	}
	return c, r.createDirs(c.RootDir, filepath.Dir(c.LocalDataFile), c.UnzipDir)
}

func (r *Resolver) PrepareBaseModelConfig() (PrepareBaseModelConfig, error) {
	var c PrepareBaseModelConfig
	var err error
	if c.RootDir, err = r.artifactPath("prepare_base_model.root_dir"); err != nil {
		return c, err
	}
	if c.BaseModelPath, err = r.artifactPath("prepare_base_model.base_model_path"); err != nil {
		return c, err
	}
	if c.UpdatedBaseModelPath, err = r.artifactPath("prepare_base_model.updated_base_model_path"); err != nil {
		return c, err
	}
	if c.ImageSize, err = r.imageSize(); err != nil {
		return c, err
	}
	if c.LearningRate, err = r.learningRate(); err != nil {
		return c, err
	}
	if c.IncludeTop, err = r.boolKey(r.params, "INCLUDE_TOP"); err != nil {
		return c, err
	}
	if c.Weights, err = r.stringKey(r.params, "WEIGHTS"); err != nil {
		return c, err
	}
	if c.Weights != nn.WeightsRandom && looksLikePath(c.Weights) {
		c.Weights = r.abs(strings.TrimPrefix(c.Weights, "file://"))
	}
	if c.Classes, err = r.positiveInt("CLASSES"); err != nil {
		return c, err
	}
	if c.FreezeAll, err = r.optionalBool("FREEZE_ALL", true); err != nil {
		return c, err
	}
	if c.FreezeTill, err = r.optionalInt("FREEZE_TILL", 0); err != nil {
		return c, err
	}
	if c.FreezeTill < 0 {
		return c, typeErrorf("FREEZE_TILL", "must not be negative, got %d", c.FreezeTill)
	}
	if c.Seed, err = r.seed(); err != nil {
		return c, err
	}
	return c, r.createDirs(c.RootDir, filepath.Dir(c.BaseModelPath), filepath.Dir(c.UpdatedBaseModelPath))
}

func (r *Resolver) TrainingConfig() (TrainingConfig, error) {
	var c TrainingConfig
	var err error
	if c.RootDir, err = r.artifactPath("training.root_dir"); err != nil {
		return c, err
	}
	if c.TrainedModelPath, err = r.artifactPath("training.trained_model_path"); err != nil {
		return c, err
	}
	if c.UpdatedBaseModelPath, err = r.artifactPath("prepare_base_model.updated_base_model_path"); err != nil {
		return c, err
	}
	if c.TrainingData, err = r.trainingData(); err != nil {
		return c, err
	}
	if c.Epochs, err = r.positiveInt("EPOCHS"); err != nil {
		return c, err
	}
	if c.BatchSize, err = r.positiveInt("BATCH_SIZE"); err != nil {
		return c, err
	}
	if c.Augmentation, err = r.boolKey(r.params, "AUGMENTATION"); err != nil {
		return c, err
	}
	if c.ImageSize, err = r.imageSize(); err != nil {
		return c, err
	}
	if c.ValidationSplit, err = r.validationSplit(); err != nil {
		return c, err
	}
	if c.Seed, err = r.seed(); err != nil {
		return c, err
	}
	return c, r.createDirs(c.RootDir, filepath.Dir(c.TrainedModelPath))
}

func (r *Resolver) EvaluationConfig() (EvaluationConfig, error) {
	var c EvaluationConfig
	var err error
	if c.RootDir, err = r.artifactPath("evaluation.root_dir"); err != nil {
		return c, err
	}
	if c.ReportPath, err = r.artifactPath("evaluation.report_path"); err != nil {
		return c, err
	}
	if c.ModelPath, err = r.artifactPath("training.trained_model_path"); err != nil {
		return c, err
	}
	if c.TrainingData, err = r.trainingData(); err != nil {
		return c, err
	}
	if c.TrackingURI, err = r.optionalString("evaluation.mlflow_uri"); err != nil {
		return c, err
	}
	if c.ExperimentName, err = r.optionalString("evaluation.experiment_name"); err != nil {
		return c, err
	}
	if c.RegisteredModelName, err = r.optionalString("evaluation.registered_model_name"); err != nil {
		return c, err
	}
	if c.ImageSize, err = r.imageSize(); err != nil {
		return c, err
	}
	if c.BatchSize, err = r.positiveInt("BATCH_SIZE"); err != nil {
		return c, err
	}
	if c.ValidationSplit, err = r.validationSplit(); err != nil {
		return c, err
	}
	c.AllParams = r.AllParams()
	return c, r.createDirs(c.RootDir, filepath.Dir(c.ReportPath))
}

// AllParams returns a deep copy of the hyperparameter document.
func (r *Resolver) AllParams() map[string]any {
	return deepCopy(r.params.tree).(map[string]any)
}

// Store returns an artifact store rooted at artifacts_root with every
// configured artifact path bound. Sections absent from config.yaml keep
// their conventional paths.
func (r *Resolver) Store() (*artifacts.Store, error) {
	store, err := artifacts.NewStore(r.root)
	if err != nil {
		return nil, err
	}
	store.RegisterValidator(artifacts.KindModel, func(path string) error {
		if err := nn.ValidateFile(path); err != nil {
			return fmt.Errorf("%w: %v", artifacts.ErrInvalidArtifact, err)
		}
		return nil
	})

	bindings := []struct {
		name artifacts.Name
		key  string
	}{
		{artifacts.RawDataset, "data_ingestion.local_data_file"},
		{artifacts.BaseModel, "prepare_base_model.base_model_path"},
		{artifacts.UpdatedBaseModel, "prepare_base_model.updated_base_model_path"},
		{artifacts.TrainedModel, "training.trained_model_path"},
		{artifacts.EvaluationReport, "evaluation.report_path"},
	}
	for _, b := range bindings {
		if _, ok := lookup(r.config.tree, b.key); !ok {
			continue
		}
		path, err := r.artifactPath(b.key)
		if err != nil {
			return nil, err
		}
		if err := store.Bind(b.name, path); err != nil {
			return nil, err
		}
	}
	if _, ok := lookup(r.config.tree, "data_ingestion.unzip_dir"); ok {
		dataset, err := r.trainingData()
		if err != nil {
			return nil, err
		}
		if err := store.Bind(artifacts.Dataset, dataset); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (r *Resolver) createDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		r.log.WithField("path", dir).Debug("created directory")
	}
	return nil
}

func (r *Resolver) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.baseDir, path)
}

func (r *Resolver) artifactPath(key string) (string, error) {
	raw, err := r.stringKey(r.config, key)
	if err != nil {
		return "", err
	}
	path := r.abs(raw)
	if !artifacts.Within(r.root, path) {
		return "", typeErrorf(key, "path %s is outside artifacts_root %s", path, r.root)
	}
	return path, nil
}

func (r *Resolver) datasetDir() (string, error) {
	name, err := r.optionalString("data_ingestion.dataset_dir")
	if err != nil {
		return "", err
	}
	if name == "" {
		name = DefaultDatasetDir
	}
	if filepath.IsAbs(name) || strings.Contains(filepath.ToSlash(filepath.Clean(name)), "..") {
		return "", typeErrorf("data_ingestion.dataset_dir", "must be a relative directory below unzip_dir, got %q", name)
	}
	return name, nil
}

func (r *Resolver) trainingData() (string, error) {
	unzip, err := r.artifactPath("data_ingestion.unzip_dir")
	if err != nil {
		return "", err
	}
	name, err := r.datasetDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(unzip, name), nil
}

func (r *Resolver) imageSize() (ImageSize, error) {
	const key = "IMAGE_SIZE"
	v, ok := lookup(r.params.tree, key)
	if !ok {
		return ImageSize{}, &ConfigMissingError{Source: r.params.source, Key: key}
	}
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		return ImageSize{}, typeErrorf(key, "must be a list of three integers [height, width, channels], got %v", v)
	}
	var dims [3]int
	for i, item := range list {
		n, err := toInt(key, item)
		if err != nil {
			return ImageSize{}, err
		}
		if n <= 0 {
			return ImageSize{}, typeErrorf(key, "dimensions must be positive, got %v", v)
		}
		dims[i] = n
	}
	if dims[2] != 1 && dims[2] != 3 {
		return ImageSize{}, typeErrorf(key, "channels must be 1 or 3, got %d", dims[2])
	}
	return ImageSize{Height: dims[0], Width: dims[1], Channels: dims[2]}, nil
}

func (r *Resolver) learningRate() (float64, error) {
	const key = "LEARNING_RATE"
	v, ok := lookup(r.params.tree, key)
	if !ok {
		return 0, &ConfigMissingError{Source: r.params.source, Key: key}
	}
	f, err := toFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, typeErrorf(key, "must be positive and finite, got %v", v)
	}
	return f, nil
}

func (r *Resolver) validationSplit() (float64, error) {
	const key = "VALIDATION_SPLIT"
	v, ok := lookup(r.params.tree, key)
	if !ok {
		return DefaultValidationSplit, nil
	}
	f, err := toFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f <= 0 || f >= 1 {
		return 0, typeErrorf(key, "must be in (0, 1), got %v", v)
	}
	return f, nil
}

func (r *Resolver) seed() (int64, error) {
	n, err := r.optionalInt("SEED", DefaultSeed)
	return int64(n), err
}

func (r *Resolver) positiveInt(key string) (int, error) {
	v, ok := lookup(r.params.tree, key)
	if !ok {
		return 0, &ConfigMissingError{Source: r.params.source, Key: key}
	}
	n, err := toInt(key, v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, typeErrorf(key, "must be positive, got %d", n)
	}
	return n, nil
}

func (r *Resolver) optionalInt(key string, def int) (int, error) {
	v, ok := lookup(r.params.tree, key)
	if !ok {
		return def, nil
	}
	return toInt(key, v)
}

func (r *Resolver) optionalBool(key string, def bool) (bool, error) {
	if _, ok := lookup(r.params.tree, key); !ok {
		return def, nil
	}
	return r.boolKey(r.params, key)
}

func (r *Resolver) boolKey(doc document, key string) (bool, error) {
	v, ok := lookup(doc.tree, key)
	if !ok {
		return false, &ConfigMissingError{Source: doc.source, Key: key}
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeErrorf(key, "must be a boolean, got %T", v)
	}
	return b, nil
}

func (r *Resolver) stringKey(doc document, key string) (string, error) {
	v, ok := lookup(doc.tree, key)
	if !ok {
		return "", &ConfigMissingError{Source: doc.source, Key: key}
	}
	s, ok := v.(string)
	if !ok {
		return "", typeErrorf(key, "must be a string, got %T", v)
	}
	if strings.TrimSpace(s) == "" {
		return "", typeErrorf(key, "must not be empty")
	}
	return s, nil
}

func (r *Resolver) optionalString(key string) (string, error) {
	v, ok := lookup(r.config.tree, key)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", typeErrorf(key, "must be a string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

// lookup walks a dotted key through nested mappings. A key present with a
// null value counts as missing.
func lookup(tree map[string]any, key string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func toInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, typeErrorf(key, "must be an integer, got %v", n)
		}
		return int(n), nil
	}
	return 0, typeErrorf(key, "must be an integer, got %T", v)
}

func toFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, typeErrorf(key, "must be a number, got %T", v)
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "file://") || strings.ContainsRune(s, '/') || strings.ContainsRune(s, filepath.Separator) || filepath.Ext(s) != ""
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	}
	return v
}
