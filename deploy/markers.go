package deploy

import (
	"context"
	"errors"

	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
)

// MarkerPublisher writes this node's readiness markers.  Markers are tied to
// the node session and disappear when the node goes away.
type MarkerPublisher struct {
	session coordkv.Session
	paths   clusterpaths.Paths
	nodeID  string
}

func NewMarkerPublisher(session coordkv.Session, paths clusterpaths.Paths, nodeID string) *MarkerPublisher {
	return &MarkerPublisher{
		session: session,
		paths:   paths,
		nodeID:  nodeID,
	}
}

// Publish creates the marker, treating an existing marker as published.
func (p *MarkerPublisher) Publish(ctx context.Context, kind clusterpaths.MarkerKind, appID string) error {
	key := p.paths.MarkerKey(kind, appID, p.nodeID)

	err := p.session.Create(ctx, key, []byte(p.nodeID))
	if err != nil && !errors.Is(err, coordkv.ErrKeyExists) {
		return err
	}

	return nil
}
