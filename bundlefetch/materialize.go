package bundlefetch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Materialize stores a fetched bundle in dir under a name derived from
// appID.  The file is written to a temporary name first and renamed into
// place, so a partially written bundle is never visible at the final path.
func Materialize(dir string, appID string, data []byte) (string, error) {
	if appID == "" || appID == "." || appID == ".." ||
		strings.ContainsAny(appID, `/\`) {
		return "", errors.Wrapf(ErrInvalidAppID, "cannot stage %q", appID)
	}

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", errors.Wrap(err, "failed to create staging directory")
	}

	tmpFile, err := os.CreateTemp(dir, "."+appID+"-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "failed to create staging file")
	}
	tmpPath := tmpFile.Name()

	_, err = tmpFile.Write(data)
	if err == nil {
		err = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "failed to write staging file")
	}

	finalPath := filepath.Join(dir, appID+".bundle")
	err = os.Rename(tmpPath, finalPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "failed to move bundle into place")
	}

	return finalPath, nil
}
