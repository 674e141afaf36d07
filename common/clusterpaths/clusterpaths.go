package clusterpaths

import (
	"fmt"
	"strconv"
	"strings"
)

const DefaultRoot = "/s4"

type MarkerKind string

const (
	MarkerInitialized MarkerKind = "onInitialized"
	MarkerStarted     MarkerKind = "onStarted"
	MarkerEvent       MarkerKind = "onEvent"
)

// Paths computes every coordination key used by a single cluster.
type Paths struct {
	Root    string
	Cluster string
}

func New(root, cluster string) Paths {
	if root == "" {
		root = DefaultRoot
	}

	return Paths{
		Root:    strings.TrimSuffix(root, "/"),
		Cluster: cluster,
	}
}

func (p Paths) clusterBase() string {
	return fmt.Sprintf("%s/clusters/%s", p.Root, p.Cluster)
}

func (p Paths) TasksPrefix() string {
	return p.clusterBase() + "/tasks/"
}

func (p Paths) TaskKey(partition int) string {
	return p.TasksPrefix() + strconv.Itoa(partition)
}

func (p Paths) ProcessPrefix() string {
	return p.clusterBase() + "/process/"
}

func (p Paths) ProcessKey(partition int) string {
	return p.ProcessPrefix() + strconv.Itoa(partition)
}

func (p Paths) AppPrefix() string {
	return p.clusterBase() + "/app/"
}

func (p Paths) AppKey(appName string) string {
	return p.AppPrefix() + appName
}

// AppNameFromKey returns the application name for an announcement key, or
// false when the key is not a direct child of the app prefix.
func (p Paths) AppNameFromKey(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, p.AppPrefix())
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// PartitionFromKey parses the trailing partition id of a tasks or process key.
func PartitionFromKey(key string) (int, error) {
	idx := strings.LastIndex(key, "/")
	return strconv.Atoi(key[idx+1:])
}

// MarkerParent is the parent key below which every node publishes its own
// marker of the given kind for appID.
func (p Paths) MarkerParent(kind MarkerKind, appID string) string {
	return fmt.Sprintf("%s/%s@%s", p.Root, kind, appID)
}

func (p Paths) MarkerKey(kind MarkerKind, appID, nodeID string) string {
	return p.MarkerParent(kind, appID) + "/" + nodeID
}

func (p Paths) EventMarkerKey(value string) string {
	return fmt.Sprintf("%s/%s@%s", p.Root, MarkerEvent, value)
}
