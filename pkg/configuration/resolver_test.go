package configuration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/common/logger"
)

const testConfig = `
artifacts_root: artifacts
data_ingestion:
  root_dir: artifacts/data_ingestion
  source_URL: https://drive.google.com/file/d/abc123/view?usp=sharing
  local_data_file: artifacts/data_ingestion/data.zip
  unzip_dir: artifacts/data_ingestion
prepare_base_model:
  root_dir: artifacts/prepare_base_model
  base_model_path: artifacts/prepare_base_model/base_model.gob
  updated_base_model_path: artifacts/prepare_base_model/base_model_updated.gob
training:
  root_dir: artifacts/training
  trained_model_path: artifacts/training/model.gob
evaluation:
  root_dir: artifacts/evaluation
  report_path: artifacts/evaluation/scores.json
  mlflow_uri: ""
`

const testParams = `
AUGMENTATION: true
IMAGE_SIZE: [224, 224, 3]
BATCH_SIZE: 16
INCLUDE_TOP: false
EPOCHS: 1
CLASSES: 2
WEIGHTS: random
LEARNING_RATE: 0.01
`

func writeDocs(t *testing.T, config, params string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgPath), 0o755))
	require.NoError(t, os.WriteFile(cfgPath, []byte(config), 0o644))
	paramsPath := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(paramsPath, []byte(params), 0o644))
	return cfgPath, paramsPath
}

func load(t *testing.T, config, params string) *Resolver {
	t.Helper()
	cfgPath, paramsPath := writeDocs(t, config, params)
	r, err := Load(cfgPath, paramsPath, logger.Discard())
	require.NoError(t, err)
	return r
}

func TestResolvePathsAreAbsoluteAndDirsExist(t *testing.T) {
	r := load(t, testConfig, testParams)

	c, err := r.DataIngestionConfig()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(c.RootDir))
	assert.Equal(t, filepath.Join(r.ArtifactsRoot(), "data_ingestion", "data.zip"), c.LocalDataFile)
	assert.Equal(t, DefaultDatasetDir, c.DatasetDir)
	assert.DirExists(t, c.RootDir)

	pb, err := r.PrepareBaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, ImageSize{224, 224, 3}, pb.ImageSize)
	assert.True(t, pb.FreezeAll)
	assert.Equal(t, 0, pb.FreezeTill)
	assert.Equal(t, int64(DefaultSeed), pb.Seed)
	assert.DirExists(t, pb.RootDir)

	tc, err := r.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.ArtifactsRoot(), "data_ingestion", DefaultDatasetDir), tc.TrainingData)
	assert.Equal(t, pb.UpdatedBaseModelPath, tc.UpdatedBaseModelPath)
	assert.Equal(t, DefaultValidationSplit, tc.ValidationSplit)
	assert.True(t, tc.Augmentation)

	ec, err := r.EvaluationConfig()
	require.NoError(t, err)
	assert.Equal(t, tc.TrainedModelPath, ec.ModelPath)
	assert.Equal(t, "", ec.TrackingURI)
	assert.Equal(t, 16, ec.BatchSize)
	assert.Equal(t, 2, ec.AllParams["CLASSES"])
}

func TestResolveIsDeterministic(t *testing.T) {
	r := load(t, testConfig, testParams)
	for _, stage := range []Stage{StageDataIngestion, StagePrepareBaseModel, StageTraining, StageEvaluation} {
		first, err := r.Resolve(stage)
		require.NoError(t, err)
		second, err := r.Resolve(stage)
		require.NoError(t, err)
		assert.Equal(t, first, second, stage)
		assert.Equal(t, stage, first.Stage())
	}
	_, err := r.Resolve("deploy")
	assert.Error(t, err)
}

func TestResolveKeepsExistingDirectoryContents(t *testing.T) {
	r := load(t, testConfig, testParams)
	c, err := r.TrainingConfig()
	require.NoError(t, err)
	marker := filepath.Join(c.RootDir, "keep.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	_, err = r.TrainingConfig()
	require.NoError(t, err)
	_, err = r.TrainingConfig()
	require.NoError(t, err)
	assert.FileExists(t, marker)
}

func TestAllParamsIsACopy(t *testing.T) {
	r := load(t, testConfig, testParams)
	p := r.AllParams()
	p["EPOCHS"] = 99
	p["IMAGE_SIZE"].([]any)[0] = 1

	tc, err := r.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, tc.Epochs)
	assert.Equal(t, 224, tc.ImageSize.Height)
}

func TestMissingKeys(t *testing.T) {
	r := load(t, testConfig, strings.Replace(testParams, "EPOCHS: 1\n", "", 1))
	_, err := r.TrainingConfig()
	var missing *ConfigMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "EPOCHS", missing.Key)

	r = load(t, strings.Replace(testConfig, "  report_path: artifacts/evaluation/scores.json\n", "", 1), testParams)
	_, err = r.EvaluationConfig()
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "evaluation.report_path", missing.Key)

	cfgPath, paramsPath := writeDocs(t, "", testParams)
	_, err = Load(cfgPath, paramsPath, logger.Discard())
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "artifacts_root", missing.Key)
}

func TestTypeErrors(t *testing.T) {
	cases := map[string]struct {
		from, to string
		key      string
	}{
		"zero epochs":        {"EPOCHS: 1", "EPOCHS: 0", "EPOCHS"},
		"fractional batch":   {"BATCH_SIZE: 16", "BATCH_SIZE: 16.5", "BATCH_SIZE"},
		"string classes":     {"CLASSES: 2", "CLASSES: two", "CLASSES"},
		"short image size":   {"IMAGE_SIZE: [224, 224, 3]", "IMAGE_SIZE: [224, 224]", "IMAGE_SIZE"},
		"four channels":      {"IMAGE_SIZE: [224, 224, 3]", "IMAGE_SIZE: [224, 224, 4]", "IMAGE_SIZE"},
		"negative lr":        {"LEARNING_RATE: 0.01", "LEARNING_RATE: -0.01", "LEARNING_RATE"},
		"augmentation text":  {"AUGMENTATION: true", "AUGMENTATION: maybe", "AUGMENTATION"},
		"empty weights":      {"WEIGHTS: random", `WEIGHTS: ""`, "WEIGHTS"},
		"split out of range": {"WEIGHTS: random", "WEIGHTS: random\nVALIDATION_SPLIT: 1.5", "VALIDATION_SPLIT"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := load(t, testConfig, strings.Replace(testParams, tc.from, tc.to, 1))
			var err error
			for _, stage := range []Stage{StagePrepareBaseModel, StageTraining} {
				if _, err = r.Resolve(stage); err != nil {
					break
				}
			}
			var typeErr *ConfigTypeError
			require.ErrorAs(t, err, &typeErr)
			assert.Equal(t, tc.key, typeErr.Key)
		})
	}
}

func TestWholeFloatsAreIntegers(t *testing.T) {
	r := load(t, testConfig, strings.Replace(testParams, "EPOCHS: 1", "EPOCHS: 3.0", 1))
	tc, err := r.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, tc.Epochs)
}

func TestArtifactPathsMustStayUnderRoot(t *testing.T) {
	cfg := strings.Replace(testConfig, "trained_model_path: artifacts/training/model.gob", "trained_model_path: /tmp/elsewhere/model.gob", 1)
	r := load(t, cfg, testParams)
	_, err := r.TrainingConfig()
	var typeErr *ConfigTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "training.trained_model_path", typeErr.Key)
}

func TestWeightsPathResolvesAgainstConfigDir(t *testing.T) {
	r := load(t, testConfig, strings.Replace(testParams, "WEIGHTS: random", "WEIGHTS: weights/backbone.gob", 1))
	pb, err := r.PrepareBaseModelConfig()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(pb.Weights))
	assert.True(t, strings.HasSuffix(pb.Weights, filepath.Join("config", "weights", "backbone.gob")))

	r = load(t, testConfig, strings.Replace(testParams, "WEIGHTS: random", "WEIGHTS: imagenet", 1))
	pb, err = r.PrepareBaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, "imagenet", pb.Weights)
}

func TestStoreBindsConfiguredPaths(t *testing.T) {
	cfg := strings.Replace(testConfig, "trained_model_path: artifacts/training/model.gob", "trained_model_path: artifacts/training/custom.gob", 1)
	r := load(t, cfg, testParams)
	store, err := r.Store()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(r.ArtifactsRoot(), "training", "custom.gob"), store.Path(artifacts.TrainedModel))
	assert.Equal(t, filepath.Join(r.ArtifactsRoot(), "data_ingestion", DefaultDatasetDir), store.Path(artifacts.Dataset))

	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path(artifacts.TrainedModel)), 0o755))
	require.NoError(t, os.WriteFile(store.Path(artifacts.TrainedModel), []byte("not a model"), 0o644))
	assert.ErrorIs(t, store.Validate(artifacts.TrainedModel), artifacts.ErrInvalidArtifact)
}

func TestProjectRootMovesRelativePaths(t *testing.T) {
	cfgPath, paramsPath := writeDocs(t, "project_root: ..\n"+testConfig, testParams)
	r, err := Load(cfgPath, paramsPath, logger.Discard())
	require.NoError(t, err)

	project := filepath.Dir(filepath.Dir(cfgPath))
	assert.Equal(t, filepath.Join(project, "artifacts"), r.ArtifactsRoot())
	assert.DirExists(t, r.ArtifactsRoot())
}
