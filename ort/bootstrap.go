package ort

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultOnnxRuntimeVersion is the release downloaded when neither
	// WithBootstrapVersion nor ONNXRUNTIME_VERSION picks one.
	DefaultOnnxRuntimeVersion = "1.23.1"

	defaultBootstrapBaseURL = "https://github.com/microsoft/onnxruntime/releases/download"
)

// Environment variables read by bootstrap. Options take precedence.
const (
	envLibraryPath     = "ONNXRUNTIME_LIB_PATH"
	envCacheDir        = "ONNXRUNTIME_CACHE_DIR"
	envVersion         = "ONNXRUNTIME_VERSION"
	envDisableDownload = "ONNXRUNTIME_DISABLE_DOWNLOAD"
)

var (
	errSharedLibraryNotFound = errors.New("ONNX Runtime shared library not found")
	cacheFallbackWarnOnce    sync.Once
)

// BootstrapOption configures EnsureOnnxRuntimeSharedLibrary.
type BootstrapOption func(*bootstrapConfig) error

type bootstrapConfig struct {
	libraryPath     string
	cacheDir        string
	version         string
	disableDownload bool
	expectedSHA256  string
	baseURL         string
	httpClient      *http.Client
	maxDownloadSize int64
	goos, goarch    string
}

// WithBootstrapLibraryPath skips the download and validates path instead.
func WithBootstrapLibraryPath(path string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		v, err := nonEmpty("bootstrap library path", path)
		cfg.libraryPath = v
		return err
	}
}

// WithBootstrapCacheDir sets where archives are downloaded and unpacked.
func WithBootstrapCacheDir(dir string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		v, err := nonEmpty("bootstrap cache directory", dir)
		cfg.cacheDir = v
		return err
	}
}

// WithBootstrapVersion selects the release to download, e.g. "1.23.1".
func WithBootstrapVersion(version string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		v, err := nonEmpty("bootstrap version", version)
		cfg.version = v
		return err
	}
}

// WithBootstrapDisableDownload makes a cache miss an error.
func WithBootstrapDisableDownload(disable bool) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		cfg.disableDownload = disable
		return nil
	}
}

// WithBootstrapExpectedSHA256 pins the checksum of the downloaded archive.
func WithBootstrapExpectedSHA256(checksum string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		sum, err := parseSHA256(checksum)
		if err != nil {
			return err
		}
		cfg.expectedSHA256 = sum
		return nil
	}
}

func withBootstrapBaseURL(baseURL string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		v, err := nonEmpty("bootstrap base URL", baseURL)
		if err != nil {
			return err
		}
		if err := validateDownloadBaseURL(v); err != nil {
			return fmt.Errorf("invalid bootstrap base URL: %w", err)
		}
		cfg.baseURL = strings.TrimRight(v, "/")
		return nil
	}
}

func withBootstrapHTTPClient(client *http.Client) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		if client == nil {
			return fmt.Errorf("bootstrap HTTP client cannot be nil")
		}
		cfg.httpClient = client
		return nil
	}
}

func withBootstrapPlatform(goos, goarch string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		cfg.goos, cfg.goarch = goos, goarch
		return nil
	}
}

// EnsureOnnxRuntimeSharedLibrary returns the absolute path of a usable ONNX
// Runtime shared library, downloading the release archive into the cache on
// first use. It never initializes the environment.
func EnsureOnnxRuntimeSharedLibrary(opts ...BootstrapOption) (string, error) {
	return EnsureOnnxRuntimeSharedLibraryContext(context.Background(), opts...)
}

// EnsureOnnxRuntimeSharedLibraryContext is EnsureOnnxRuntimeSharedLibrary
// with a context bounding the lock wait and the download.
func EnsureOnnxRuntimeSharedLibraryContext(ctx context.Context, opts ...BootstrapOption) (string, error) {
	cfg, err := resolveBootstrapConfig(opts...)
	if err != nil {
		return "", err
	}
	if cfg.libraryPath != "" {
		return validateLibraryFile(cfg.libraryPath)
	}

	artifact, err := lookupRuntimeArtifact(cfg.goos, cfg.goarch)
	if err != nil {
		return "", err
	}
	installDir := filepath.Join(cfg.cacheDir, artifact.archiveName(cfg.version))

	path, err := findInstalledLibrary(installDir, artifact)
	if !errors.Is(err, errSharedLibraryNotFound) {
		return path, err
	}
	if cfg.disableDownload {
		return "", fmt.Errorf("ONNX Runtime library not found in cache and download is disabled: %s", installDir)
	}
	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bootstrap cache directory %q: %w", cfg.cacheDir, err)
	}

	lockPath := filepath.Join(cfg.cacheDir, ".locks", artifact.platform+"-"+cfg.version+".lock")
	err = withFileLock(ctx, lockPath, func() error {
		// Another process may have finished the install while we waited.
		if path, err = findInstalledLibrary(installDir, artifact); !errors.Is(err, errSharedLibraryNotFound) {
			return err
		}
		if err := installRuntime(ctx, cfg, artifact, installDir); err != nil {
			return err
		}
		path, err = findInstalledLibrary(installDir, artifact)
		if err != nil {
			return fmt.Errorf("bootstrap completed but shared library could not be resolved: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// InitializeEnvironmentWithBootstrap resolves the library with
// EnsureOnnxRuntimeSharedLibrary, initializes the environment from it and
// rejects runtimes older than MinimumOnnxRuntimeVersion.
func InitializeEnvironmentWithBootstrap(opts ...BootstrapOption) error {
	path, err := EnsureOnnxRuntimeSharedLibrary(opts...)
	if err != nil {
		return err
	}
	if err := adoptLibraryPath(path); err != nil {
		return err
	}
	if err := InitializeEnvironment(); err != nil {
		return err
	}
	if err := CheckMinimumVersion(MinimumOnnxRuntimeVersion); err != nil {
		return errors.Join(err, DestroyEnvironment())
	}
	return nil
}

// adoptLibraryPath sets path unless the environment already runs from it.
// A concurrent initializer using the same path is not an error.
func adoptLibraryPath(path string) error {
	running := func() (bool, string) {
		mu.Lock()
		defer mu.Unlock()
		return refCount > 0, libPath
	}
	if ok, current := running(); ok {
		if current != path {
			return fmt.Errorf("cannot change library path after environment is initialized")
		}
		return nil
	}
	if err := SetSharedLibraryPath(path); err != nil {
		if ok, current := running(); ok && current == path {
			return nil
		}
		return err
	}
	return nil
}

func resolveBootstrapConfig(opts ...BootstrapOption) (bootstrapConfig, error) {
	disable, err := envBool(envDisableDownload)
	if err != nil {
		return bootstrapConfig{}, err
	}
	cfg := bootstrapConfig{
		libraryPath:     envString(envLibraryPath),
		cacheDir:        envString(envCacheDir),
		version:         envString(envVersion),
		disableDownload: disable,
		baseURL:         defaultBootstrapBaseURL,
		httpClient:      &http.Client{Timeout: 2 * time.Minute},
		maxDownloadSize: defaultMaxRuntimeArchiveBytes,
		goos:            runtime.GOOS,
		goarch:          runtime.GOARCH,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return bootstrapConfig{}, err
		}
	}

	if cfg.version == "" {
		cfg.version = DefaultOnnxRuntimeVersion
	}
	if cfg.version, err = normalizeRuntimeVersion(cfg.version); err != nil {
		return bootstrapConfig{}, err
	}
	if cfg.cacheDir == "" {
		cfg.cacheDir = defaultBootstrapCacheDir()
	}
	cfg.cacheDir = filepath.Clean(cfg.cacheDir)
	return cfg, nil
}

// runtimeArtifact describes the release archive for one platform.
type runtimeArtifact struct {
	platform       string // release asset suffix, e.g. "linux-x64"
	format         string // "tgz" or "zip"
	library        string // canonical file name under lib/
	libraryPattern string // glob for versioned variants
}

var (
	linuxLibrary   = runtimeArtifact{format: "tgz", library: "libonnxruntime.so", libraryPattern: "libonnxruntime.so*"}
	darwinLibrary  = runtimeArtifact{format: "tgz", library: "libonnxruntime.dylib", libraryPattern: "libonnxruntime*.dylib"}
	windowsLibrary = runtimeArtifact{format: "zip", library: "onnxruntime.dll", libraryPattern: "onnxruntime*.dll"}
)

var runtimeArtifacts = map[string]runtimeArtifact{
	"linux/amd64":   linuxLibrary.on("linux-x64"),
	"linux/arm64":   linuxLibrary.on("linux-aarch64"),
	"darwin/amd64":  darwinLibrary.on("osx-x86_64"),
	"darwin/arm64":  darwinLibrary.on("osx-arm64"),
	"windows/amd64": windowsLibrary.on("win-x64"),
	"windows/arm64": windowsLibrary.on("win-arm64"),
}

func (a runtimeArtifact) on(platform string) runtimeArtifact {
	a.platform = platform
	return a
}

func lookupRuntimeArtifact(goos, goarch string) (runtimeArtifact, error) {
	a, ok := runtimeArtifacts[goos+"/"+goarch]
	if !ok {
		return runtimeArtifact{}, fmt.Errorf("unsupported platform for ONNX Runtime bootstrap: GOOS=%s GOARCH=%s", goos, goarch)
	}
	return a, nil
}

func (a runtimeArtifact) archiveName(version string) string {
	return "onnxruntime-" + a.platform + "-" + version
}

func (a runtimeArtifact) downloadURL(baseURL, version string) string {
	return fmt.Sprintf("%s/v%s/%s.%s", strings.TrimRight(baseURL, "/"), version, a.archiveName(version), a.format)
}

// installRuntime downloads and unpacks the archive into a staging directory
// and renames it over installDir once the library is known to be present.
func installRuntime(ctx context.Context, cfg bootstrapConfig, artifact runtimeArtifact, installDir string) error {
	url := artifact.downloadURL(cfg.baseURL, cfg.version)
	log := Logger().WithFields(logrus.Fields{"url": url, "path": installDir})
	log.Info("downloading ONNX Runtime")

	archive, checksum, err := downloadRuntimeArchive(ctx, cfg, url)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	if cfg.expectedSHA256 != "" && checksum != cfg.expectedSHA256 {
		return fmt.Errorf("download checksum mismatch: expected %s, got %s", cfg.expectedSHA256, checksum)
	}

	staging, err := os.MkdirTemp(cfg.cacheDir, artifact.archiveName(cfg.version)+".staging-*")
	if err != nil {
		return fmt.Errorf("failed to create bootstrap staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	x, err := extractArchive(archive, staging, artifact.format, artifact.libraryPattern)
	if err != nil {
		return err
	}

	// Release archives nest everything under a directory named after the
	// archive; tolerate flat ones too.
	root := filepath.Join(staging, artifact.archiveName(cfg.version))
	if info, err := os.Stat(root); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to inspect extracted install directory %q: %w", root, err)
		}
		root = staging
	} else if !info.IsDir() {
		return fmt.Errorf("extracted install path is not a directory: %q", root)
	}

	if _, err := findInstalledLibrary(root, artifact); err != nil {
		if !errors.Is(err, errSharedLibraryNotFound) {
			return err
		}
		libDir := filepath.Join(root, "lib")
		if x.libraryLinks > 0 {
			return fmt.Errorf("downloaded archive did not contain expected shared library in %q (skipped %d link entries matching %q)", libDir, x.libraryLinks, artifact.libraryPattern)
		}
		return fmt.Errorf("downloaded archive did not contain expected shared library in %q", libDir)
	}

	if err := os.RemoveAll(installDir); err != nil {
		return fmt.Errorf("failed to remove previous ONNX Runtime install at %q: %w", installDir, err)
	}
	if err := os.Rename(root, installDir); err != nil {
		return fmt.Errorf("failed to install ONNX Runtime to %q: %w", installDir, err)
	}
	log.WithField("files", x.files).Info("ONNX Runtime installed")
	return nil
}

// findInstalledLibrary looks for the canonical library name first and then
// any versioned variant. errSharedLibraryNotFound means nothing is there;
// any other error means candidates exist but none is usable.
func findInstalledLibrary(installDir string, artifact runtimeArtifact) (string, error) {
	libDir := filepath.Join(installDir, "lib")
	candidates := []string{filepath.Join(libDir, artifact.library)}
	matches, err := filepath.Glob(filepath.Join(libDir, artifact.libraryPattern))
	if err != nil {
		return "", fmt.Errorf("failed to resolve ONNX Runtime library path: %w", err)
	}
	sort.Strings(matches)
	candidates = append(candidates, matches...)

	var rejected []error
	for _, c := range candidates {
		path, err := validateLibraryFile(c)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			rejected = append(rejected, fmt.Errorf("%s: %w", c, err))
		}
	}
	if len(rejected) > 0 {
		return "", fmt.Errorf("found ONNX Runtime shared library candidates in %q but none are valid: %w", libDir, errors.Join(rejected...))
	}
	return "", errSharedLibraryNotFound
}

// validateLibraryFile returns the absolute path of a non-empty regular file.
func validateLibraryFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("library path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path for %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return "", fmt.Errorf("failed to stat library file %q: %w", abs, err)
	case info.IsDir():
		return "", fmt.Errorf("library path points to a directory: %q", abs)
	case info.Size() == 0:
		return "", fmt.Errorf("library file is empty: %q", abs)
	}
	return abs, nil
}

func defaultBootstrapCacheDir() string {
	dir, err := os.UserCacheDir()
	if err == nil && dir != "" {
		return filepath.Join(dir, "onnxruntime-go", "onnxruntime")
	}
	fallback := filepath.Join(os.TempDir(), "onnxruntime-go", "onnxruntime")
	cacheFallbackWarnOnce.Do(func() {
		entry := Logger().WithField("path", fallback)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("user cache directory unavailable; using temporary ONNX Runtime cache. Set " + envCacheDir + " for a persistent cache.")
	})
	return fallback
}

// normalizeRuntimeVersion accepts "1.23.1" or "v1.23.1" and returns the bare
// release version. Pre-releases and build metadata are rejected since they
// have no published archives.
func normalizeRuntimeVersion(version string) (string, error) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return "", fmt.Errorf("ONNX Runtime version is empty")
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return "", fmt.Errorf("ONNX Runtime version must have format x.y.z, got %q: %w", version, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return "", fmt.Errorf("ONNX Runtime version must be a release version, got %q", version)
	}
	return v.String(), nil
}

func parseSHA256(checksum string) (string, error) {
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	switch {
	case checksum == "":
		return "", fmt.Errorf("expected SHA256 checksum cannot be empty")
	case len(checksum) != 64:
		return "", fmt.Errorf("expected SHA256 checksum must be 64 hex characters")
	case strings.Trim(checksum, "0123456789abcdef") != "":
		return "", fmt.Errorf("expected SHA256 checksum must be lowercase hex")
	}
	return checksum, nil
}

func nonEmpty(what, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%s cannot be empty", what)
	}
	return v, nil
}

func envString(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

// envBool accepts strconv.ParseBool spellings plus yes/no/on/off.
func envBool(name string) (bool, error) {
	raw := envString(name)
	if raw == "" {
		return false, nil
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b, nil
	}
	switch strings.ToLower(raw) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value for %s: %q (expected true/false, 1/0, yes/no, on/off)", name, raw)
}
