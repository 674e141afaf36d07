package deploy

import (
	"sort"
	"sync"
	"time"

	"github.com/couchbase/stellar-stream/activation"
)

type deployment struct {
	appID string

	// runLock is held for the whole pipeline so that at most one deployment
	// of an app runs at any time.
	runLock sync.Mutex

	lock        sync.Mutex
	state       State
	running     bool
	desc        *AppDescriptor
	modRevision int64
	err         error
	app         activation.App
	updatedAt   time.Time
}

type DeploymentStatus struct {
	AppID     string    `json:"appId"`
	BundleURI string    `json:"bundleUri"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d *deployment) statusLocked() DeploymentStatus {
	status := DeploymentStatus{
		AppID:     d.appID,
		State:     d.state,
		UpdatedAt: d.updatedAt,
	}
	if d.desc != nil {
		status.BundleURI = d.desc.BundleURI
	}
	if d.err != nil {
		status.Error = d.err.Error()
	}
	return status
}

// deploymentTable is the node-local record of every app seen.  Its lock only
// guards the map itself.
type deploymentTable struct {
	lock        sync.Mutex
	deployments map[string]*deployment
}

func newDeploymentTable() *deploymentTable {
	return &deploymentTable{
		deployments: make(map[string]*deployment),
	}
}

// getOrCreate returns the entry for appID, reporting whether it was created
// by this call.
func (t *deploymentTable) getOrCreate(appID string) (*deployment, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	d, ok := t.deployments[appID]
	if ok {
		return d, false
	}

	d = &deployment{
		appID:     appID,
		state:     StateUnseen,
		updatedAt: time.Now(),
	}
	t.deployments[appID] = d
	return d, true
}

func (t *deploymentTable) get(appID string) *deployment {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.deployments[appID]
}

func (t *deploymentTable) all() []*deployment {
	t.lock.Lock()
	deployments := make([]*deployment, 0, len(t.deployments))
	for _, d := range t.deployments {
		deployments = append(deployments, d)
	}
	t.lock.Unlock()

	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].appID < deployments[j].appID
	})

	return deployments
}
