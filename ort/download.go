package ort

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultModelBaseURL = "https://github.com/onnx/models/raw/main"
	envModelDir         = "ONNXRUNTIME_MODEL_DIR"
)

// AvailableModel identifies a model from the ONNX Model Zoo that can be
// fetched with DownloadModel or SessionBuilder.WithModelDownloaded.
type AvailableModel int

const (
	ModelSqueezeNet10 AvailableModel = iota + 1
	ModelSqueezeNet11
	ModelMobileNetV2
	ModelResNet50V1
	ModelResNet50V2
	ModelShuffleNetV2
	ModelGoogleNet
	ModelMNIST
	ModelEmotionFerPlus
	ModelGPT2
)

type modelEntry struct {
	name string
	path string // relative to the model zoo root
}

var modelCatalog = map[AvailableModel]modelEntry{
	ModelSqueezeNet10:   {"squeezenet1.0", "validated/vision/classification/squeezenet/model/squeezenet1.0-12.onnx"},
	ModelSqueezeNet11:   {"squeezenet1.1", "validated/vision/classification/squeezenet/model/squeezenet1.1-7.onnx"},
	ModelMobileNetV2:    {"mobilenetv2", "validated/vision/classification/mobilenet/model/mobilenetv2-7.onnx"},
	ModelResNet50V1:     {"resnet50-v1", "validated/vision/classification/resnet/model/resnet50-v1-7.onnx"},
	ModelResNet50V2:     {"resnet50-v2", "validated/vision/classification/resnet/model/resnet50-v2-7.onnx"},
	ModelShuffleNetV2:   {"shufflenet-v2", "validated/vision/classification/shufflenet/model/shufflenet-v2-10.onnx"},
	ModelGoogleNet:      {"googlenet", "validated/vision/classification/inception_and_googlenet/googlenet/model/googlenet-12.onnx"},
	ModelMNIST:          {"mnist", "validated/vision/classification/mnist/model/mnist-8.onnx"},
	ModelEmotionFerPlus: {"emotion-ferplus", "validated/vision/body_analysis/emotion_ferplus/model/emotion-ferplus-8.onnx"},
	ModelGPT2:           {"gpt2", "validated/text/machine_comprehension/gpt-2/model/gpt2-10.onnx"},
}

func (m AvailableModel) String() string {
	if e, ok := modelCatalog[m]; ok {
		return e.name
	}
	return fmt.Sprintf("AvailableModel(%d)", int(m))
}

// FileName returns the name the model is cached under.
func (m AvailableModel) FileName() string {
	if e, ok := modelCatalog[m]; ok {
		return filepath.Base(e.path)
	}
	return ""
}

func (m AvailableModel) url(baseURL string) (string, error) {
	e, ok := modelCatalog[m]
	if !ok {
		return "", fmt.Errorf("unknown model %s", m)
	}
	return strings.TrimRight(baseURL, "/") + "/" + e.path, nil
}

// ParseAvailableModel looks a model up by its String name.
func ParseAvailableModel(name string) (AvailableModel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m, e := range modelCatalog {
		if e.name == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown model %q", name)
}

// DownloadOption configures DownloadModel.
type DownloadOption func(*downloadConfig) error

type downloadConfig struct {
	baseURL        string
	httpClient     *http.Client
	expectedSHA256 string
	maxSize        int64
}

// WithDownloadBaseURL replaces the model zoo root, for mirrors.
func WithDownloadBaseURL(baseURL string) DownloadOption {
	return func(cfg *downloadConfig) error {
		baseURL = strings.TrimSpace(baseURL)
		if err := validateDownloadBaseURL(baseURL); err != nil {
			return fmt.Errorf("invalid model base URL: %w", err)
		}
		cfg.baseURL = baseURL
		return nil
	}
}

// WithDownloadHTTPClient sets the client used for model downloads.
func WithDownloadHTTPClient(client *http.Client) DownloadOption {
	return func(cfg *downloadConfig) error {
		if client == nil {
			return fmt.Errorf("download HTTP client cannot be nil")
		}
		cfg.httpClient = client
		return nil
	}
}

// WithDownloadExpectedSHA256 rejects a download whose SHA256 differs.
func WithDownloadExpectedSHA256(checksum string) DownloadOption {
	return func(cfg *downloadConfig) error {
		sum, err := parseSHA256(checksum)
		cfg.expectedSHA256 = sum
		return err
	}
}

// WithDownloadMaxSize caps the model size in bytes.
func WithDownloadMaxSize(n int64) DownloadOption {
	return func(cfg *downloadConfig) error {
		if n <= 0 {
			return fmt.Errorf("maximum download size must be positive, got %d", n)
		}
		cfg.maxSize = n
		return nil
	}
}

// DefaultModelDir returns ONNXRUNTIME_MODEL_DIR, or a models directory in the
// user cache when it is unset.
func DefaultModelDir() string {
	if dir := envString(envModelDir); dir != "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(filepath.Dir(defaultBootstrapCacheDir()), "models")
}

// DownloadModel makes model available in dir (DefaultModelDir when empty)
// and returns its path. A cached copy is reused; concurrent downloads of the
// same model, including from other processes, are serialized.
func DownloadModel(ctx context.Context, model AvailableModel, dir string, opts ...DownloadOption) (string, error) {
	cfg := downloadConfig{
		baseURL:    defaultModelBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		maxSize:    defaultMaxModelBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return "", err
		}
	}

	url, err := model.url(cfg.baseURL)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = DefaultModelDir()
	}
	target := filepath.Join(dir, model.FileName())
	if cachedModel(target, cfg.expectedSHA256) {
		return target, nil
	}

	lockPath := filepath.Join(dir, ".locks", model.FileName()+".lock")
	err = withFileLock(ctx, lockPath, func() error {
		if cachedModel(target, cfg.expectedSHA256) {
			return nil
		}
		Logger().WithFields(logrus.Fields{"model": model.String(), "url": url}).Info("downloading model")

		tmpPath, checksum, err := fetchToTempFile(ctx, fetchRequest{
			client:  cfg.httpClient,
			url:     url,
			dir:     dir,
			pattern: model.FileName() + ".*.part",
			what:    "model " + model.String(),
			maxSize: cfg.maxSize,
		})
		if err != nil {
			return err
		}
		if cfg.expectedSHA256 != "" && checksum != cfg.expectedSHA256 {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("model %s checksum mismatch: expected %s, got %s", model, cfg.expectedSHA256, checksum)
		}
		if err := os.Rename(tmpPath, target); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to move model into %q: %w", target, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// cachedModel reports whether path holds a usable model. With wantSHA256
// set the file must also match it; a mismatching file is downloaded again.
func cachedModel(path, wantSHA256 string) bool {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			Logger().WithError(err).WithField("path", path).Warn("failed to inspect cached model")
		}
		return false
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return false
	}
	if wantSHA256 == "" {
		return true
	}
	sum, err := fileSHA256(path)
	if err != nil {
		Logger().WithError(err).WithField("path", path).Warn("failed to hash cached model")
		return false
	}
	if sum != wantSHA256 {
		Logger().WithFields(logrus.Fields{"path": path, "sha256": sum}).Warn("cached model checksum mismatch; downloading again")
		return false
	}
	return true
}
