package entities

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entity_store.jsonl")
	store, err := NewStore(NewStoreConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func mainDevice() Entity {
	return Entity{TopicID: "device/main//", Kind: KindDevice, ExternalID: "tedge001"}
}

func TestRegisterAndGet(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Register(mainDevice()))
	require.NoError(t, store.Register(Entity{TopicID: "device/child1//", Kind: KindDevice, Parent: "device/main//", ExternalID: "tedge001:device:child1"}))

	entity, err := store.Get("device/child1//")
	require.NoError(t, err)
	assert.Equal(t, "device/main//", entity.Parent)

	children := store.Children("device/main//")
	require.Len(t, children, 1)
	assert.Equal(t, "device/child1//", children[0].TopicID)

	found, ok := store.FindByExternalID("tedge001:device:child1")
	assert.True(t, ok)
	assert.Equal(t, "device/child1//", found.TopicID)

	_, ok = store.FindByExternalID("unknown")
	assert.False(t, ok)
}

func TestRegisterRejectsSecondRoot(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))
	err := store.Register(Entity{TopicID: "device/other//", Kind: KindDevice})
	assert.ErrorIs(t, err, ErrRootExists)
}

func TestRegisterUnknownParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity_store.jsonl")
	config := NewStoreConfig(path)
	config.PendingTTL = 0
	store, err := NewStore(config)
	require.NoError(t, err)
	defer store.Close()

	err = store.Register(Entity{TopicID: "device/child1//", Kind: KindDevice, Parent: "device/missing//"})
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestRegisterPendingParent(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))

	// Child arrives before its parent
	require.NoError(t, store.Register(Entity{TopicID: "device/grandchild//", Kind: KindDevice, Parent: "device/child1//"}))
	_, err := store.Get("device/grandchild//")
	assert.ErrorIs(t, err, ErrNotFound)

	// Parent registration flushes the queued child
	require.NoError(t, store.Register(Entity{TopicID: "device/child1//", Kind: KindDevice, Parent: "device/main//"}))
	entity, err := store.Get("device/grandchild//")
	require.NoError(t, err)
	assert.Equal(t, "device/child1//", entity.Parent)
}

func TestRegisterCycleDetected(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))
	require.NoError(t, store.Register(Entity{TopicID: "device/a//", Kind: KindDevice, Parent: "device/main//"}))
	require.NoError(t, store.Register(Entity{TopicID: "device/b//", Kind: KindDevice, Parent: "device/a//"}))

	err := store.Register(Entity{TopicID: "device/a//", Kind: KindDevice, Parent: "device/b//"})
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestDeregisterCascades(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))
	require.NoError(t, store.Register(Entity{TopicID: "device/child1//", Kind: KindDevice, Parent: "device/main//"}))
	require.NoError(t, store.Register(Entity{TopicID: "device/child1/service/app", Kind: KindService, Parent: "device/child1//"}))

	removed, err := store.Deregister("device/child1//")
	require.NoError(t, err)
	assert.Equal(t, []string{"device/child1/service/app", "device/child1//"}, removed)

	_, err = store.Get("device/child1/service/app")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Deregister("device/child1//")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTwinIdempotent(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))

	require.NoError(t, store.UpdateTwin("device/main//", "maintenanceMode", true))
	sizeAfterFirst := fileSize(t, path)

	// The same update is a no-op on disk
	require.NoError(t, store.UpdateTwin("device/main//", "maintenanceMode", true))
	assert.Equal(t, sizeAfterFirst, fileSize(t, path))

	require.NoError(t, store.UpdateTwin("device/main//", "maintenanceMode", nil))
	entity, err := store.Get("device/main//")
	require.NoError(t, err)
	assert.NotContains(t, entity.Twin, "maintenanceMode")
}

func TestReplayMatchesLiveState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity_store.jsonl")
	store, err := NewStore(NewStoreConfig(path))
	require.NoError(t, err)

	require.NoError(t, store.Register(mainDevice()))
	require.NoError(t, store.Register(Entity{TopicID: "device/child1//", Kind: KindDevice, Parent: "device/main//"}))
	require.NoError(t, store.UpdateTwin("device/child1//", "serialNumber", "SN-1"))
	_, err = store.Deregister("device/child1//")
	require.NoError(t, err)

	live := store.List()
	require.NoError(t, store.Close())

	reloaded, err := NewStore(NewStoreConfig(path))
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Equal(t, live, reloaded.List())
}

func TestReplayToleratesCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity_store.jsonl")
	store, err := NewStore(NewStoreConfig(path))
	require.NoError(t, err)
	require.NoError(t, store.Register(mainDevice()))
	require.NoError(t, store.Register(Entity{TopicID: "device/child1//", Kind: KindDevice, Parent: "device/main//"}))
	require.NoError(t, store.Close())

	// Simulate a torn write at the end of the log
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = file.WriteString(`{"op":"register","entity":{"topicId":"device/ch`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	reloaded, err := NewStore(NewStoreConfig(path))
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Len(t, reloaded.List(), 2)
}

func TestCompact(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))
	for i := 0; i < 20; i++ {
		require.NoError(t, store.UpdateTwin("device/main//", "counter", float64(i)))
	}
	sizeBefore := fileSize(t, path)

	require.NoError(t, store.Compact())
	assert.Less(t, fileSize(t, path), sizeBefore)

	// The compacted log replays to the same state
	live := store.List()
	records, err := Replay(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, store.Close())
	reloaded, err := NewStore(NewStoreConfig(path))
	require.NoError(t, err)
	assert.Equal(t, live, reloaded.List())
	reloaded.Close()
}

func TestChangeEventsInCommitOrder(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Register(mainDevice()))
	require.NoError(t, store.UpdateTwin("device/main//", "type", "gateway"))
	_, err := store.Deregister("device/main//")
	require.NoError(t, err)

	ops := make([]string, 0, 3)
	timeout := time.After(time.Second)
	for len(ops) < 3 {
		select {
		case event := <-store.Events():
			ops = append(ops, event.Op)
		case <-timeout:
			t.Fatal("timed out waiting for change events")
		}
	}
	assert.Equal(t, []string{OpRegister, OpTwin, OpDeregister}, ops)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}
