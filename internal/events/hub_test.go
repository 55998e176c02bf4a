package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("alpha", TypeWorkspaceOpened, map[string]string{"workspace_id": "w1"})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, TypeWorkspaceOpened, ev.Type)
		assert.Equal(t, "alpha", ev.Session)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "w1", data["workspace_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	h.Publish("", TypeLineageSealed, nil)
}

func TestSnapshotSinceRing(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("s", TypeCommandCompleted, map[string]int{"n": i})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	later := h.SnapshotSince(4)
	require.Len(t, later, 1)
	assert.Equal(t, int64(5), later[0].ID)
}

func TestNilDataIsEmptyObject(t *testing.T) {
	h := NewHub(0)
	h.Publish("s", TypeLineageSealed, nil)
	assert.JSONEq(t, `{}`, string(h.SnapshotSince(0)[0].Data))
}
