package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const ManifestName = "bundle.json"

const maxManifestSize = 1024 * 1024

// Manifest is the descriptor stored at the root of every bundle archive.
type Manifest struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ReadManifest opens a bundle archive and decodes its manifest.
func ReadManifest(bundlePath string) (*Manifest, error) {
	archive, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bundle archive")
	}
	defer archive.Close()

	var manifestEntry *zip.File
	for _, f := range archive.File {
		if f.Name == ManifestName {
			manifestEntry = f
			break
		}
	}
	if manifestEntry == nil {
		return nil, errors.New("bundle has no manifest")
	}

	manifestFile, err := manifestEntry.Open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bundle manifest")
	}
	defer manifestFile.Close()

	manifestBytes, err := io.ReadAll(io.LimitReader(manifestFile, maxManifestSize))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bundle manifest")
	}

	var manifest Manifest
	err = json.Unmarshal(manifestBytes, &manifest)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse bundle manifest")
	}

	if manifest.Kind == "" {
		return nil, errors.New("bundle manifest does not specify a kind")
	}

	return &manifest, nil
}

// BuildBundle produces a bundle archive containing only a manifest.
func BuildBundle(manifest *Manifest) ([]byte, error) {
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	fw, err := w.Create(ManifestName)
	if err != nil {
		return nil, err
	}

	_, err = fw.Write(manifestBytes)
	if err != nil {
		return nil, err
	}

	err = w.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type BundleActivatorOptions struct {
	Registry *Registry
	Logger   *zap.Logger
}

// BundleActivator instantiates apps from zip bundles whose manifest names a
// kind known to its Registry.
type BundleActivator struct {
	registry *Registry
	logger   *zap.Logger
}

var _ Activator = (*BundleActivator)(nil)

func NewBundleActivator(opts BundleActivatorOptions) *BundleActivator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BundleActivator{
		registry: opts.Registry,
		logger:   logger,
	}
}

func (a *BundleActivator) Activate(ctx context.Context, req *Request) (App, error) {
	manifest, err := ReadManifest(req.BundlePath)
	if err != nil {
		return nil, &ActivationError{AppID: req.AppID, Err: err}
	}

	factory, err := a.registry.Lookup(manifest.Kind)
	if err != nil {
		return nil, &ActivationError{AppID: req.AppID, Err: err}
	}

	env := req.Env
	if env == nil {
		env = &Env{}
	}
	appEnv := *env
	if appEnv.Logger == nil {
		appEnv.Logger = a.logger
	}
	appEnv.Logger = appEnv.Logger.With(zap.String("appId", req.AppID))

	app, err := factory(&appEnv, manifest.Config)
	if err != nil {
		return nil, &ActivationError{AppID: req.AppID, Err: err}
	}

	a.logger.Info("activated app",
		zap.String("appId", req.AppID),
		zap.String("kind", manifest.Kind))

	return app, nil
}
