package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
)

var (
	ErrInvalidAnnouncement = errors.New("invalid app announcement")
	ErrAlreadyAnnounced    = errors.New("app already announced")
)

// AppDescriptor is an application announced to the cluster.  It is never
// modified after it has been written.
type AppDescriptor struct {
	AppID       string    `json:"-"`
	BundleURI   string    `json:"bundle_uri"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// ParseAnnouncement decodes the descriptor stored at an announcement key.
// The app id is taken from the key itself.
func ParseAnnouncement(paths clusterpaths.Paths, entry *coordkv.Entry) (*AppDescriptor, error) {
	appID, ok := paths.AppNameFromKey(entry.Key)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected key %s", ErrInvalidAnnouncement, entry.Key)
	}

	var desc AppDescriptor
	err := json.Unmarshal(entry.Value, &desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAnnouncement, err)
	}

	if desc.BundleURI == "" {
		return nil, fmt.Errorf("%w: no bundle uri", ErrInvalidAnnouncement)
	}

	desc.AppID = appID
	return &desc, nil
}

func encodeAnnouncement(paths clusterpaths.Paths, appID string, bundleURI string) (string, *AppDescriptor, []byte, error) {
	desc := &AppDescriptor{
		AppID:       appID,
		BundleURI:   bundleURI,
		AnnouncedAt: time.Now().UTC(),
	}

	key := paths.AppKey(appID)
	if _, ok := paths.AppNameFromKey(key); !ok {
		return "", nil, nil, fmt.Errorf("%w: bad app id %q", ErrInvalidAnnouncement, appID)
	}

	descBytes, err := json.Marshal(desc)
	if err != nil {
		return "", nil, nil, err
	}

	return key, desc, descBytes, nil
}

// Announce publishes a new application to every node of the cluster.
func Announce(ctx context.Context, store coordkv.Store, paths clusterpaths.Paths, appID string, bundleURI string) (*AppDescriptor, error) {
	key, desc, descBytes, err := encodeAnnouncement(paths, appID, bundleURI)
	if err != nil {
		return nil, err
	}

	err = store.Create(ctx, key, descBytes)
	if err != nil {
		if errors.Is(err, coordkv.ErrKeyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAnnounced, appID)
		}
		return nil, err
	}

	return desc, nil
}

// Reannounce rewrites an application's announcement with a fresh timestamp,
// creating it if needed.  Nodes that already started the app ignore it, nodes
// configured to retry failed deployments start over.
func Reannounce(ctx context.Context, store coordkv.Store, paths clusterpaths.Paths, appID string, bundleURI string) (*AppDescriptor, error) {
	key, desc, descBytes, err := encodeAnnouncement(paths, appID, bundleURI)
	if err != nil {
		return nil, err
	}

	err = store.Put(ctx, key, descBytes)
	if err != nil {
		return nil, err
	}

	return desc, nil
}
