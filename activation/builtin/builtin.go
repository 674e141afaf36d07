// Package builtin assembles the registry of app kinds compiled into the node.
package builtin

import (
	"github.com/couchbase/stellar-stream/activation"
	"github.com/couchbase/stellar-stream/activation/logapp"
	"github.com/couchbase/stellar-stream/activation/signalapp"
)

func NewRegistry() *activation.Registry {
	registry := activation.NewRegistry()

	// both kinds are distinct so registration cannot fail
	_ = signalapp.Register(registry)
	_ = logapp.Register(registry)

	return registry
}
