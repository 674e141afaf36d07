package clusterpaths

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	p := New("/s4/", "cluster1")

	require.Equal(t, "/s4/clusters/cluster1/process/3", p.ProcessKey(3))
	require.Equal(t, "/s4/clusters/cluster1/tasks/0", p.TaskKey(0))
	require.Equal(t, "/s4/clusters/cluster1/app/s4App", p.AppKey("s4App"))
	require.Equal(t, "/s4/onInitialized@s4App/node-a", p.MarkerKey(MarkerInitialized, "s4App", "node-a"))
	require.Equal(t, "/s4/onStarted@s4App", p.MarkerParent(MarkerStarted, "s4App"))
	require.Equal(t, "/s4/onEvent@123", p.EventMarkerKey("123"))

	name, ok := p.AppNameFromKey("/s4/clusters/cluster1/app/s4App")
	require.True(t, ok)
	require.Equal(t, "s4App", name)

	_, ok = p.AppNameFromKey("/s4/clusters/cluster1/app/s4App/child")
	require.False(t, ok)

	partition, err := PartitionFromKey(p.ProcessKey(12))
	require.NoError(t, err)
	require.Equal(t, 12, partition)
}

func TestDefaultRoot(t *testing.T) {
	p := New("", "c")
	require.Equal(t, "/s4/clusters/c/app/", p.AppPrefix())
}
