package backend

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/veil/pkg/chat"
)

const testCatalog = `
nodes:
  - id: "6c0f9e5a-1111-4c4e-8b2a-000000000001"
    address: "wss://node-a.example.com"
    publicKey: "ZmFrZS1rZXktZmFrZS1rZXktZmFrZS1rZXktZmFrZQ=="
    models:
      - llama-3
      - mistral
  - id: "6c0f9e5a-1111-4c4e-8b2a-000000000002"
    address: "wss://node-b.example.com"
    publicKey: "ZmFrZS1rZXktZmFrZS1rZXktZmFrZS1rZXktZmFrZQ=="
    models:
      - llama-3
  - id: "6c0f9e5a-1111-4c4e-8b2a-000000000003"
    address: "wss://node-c.example.com"
    publicKey: "ZmFrZS1rZXktZmFrZS1rZXktZmFrZS1rZXktZmFrZQ=="
    models:
      - mistral
`

type mapBlacklist map[string]bool

func (m mapBlacklist) IsBlacklisted(id chat.NodeID) bool { return m[id.String()] }

func TestStaticPicker_FiltersByModel(t *testing.T) {
	picker, err := NewStaticPicker([]byte(testCatalog), nil)
	require.NoError(t, err)

	node, err := picker.PickNodeForModel(context.Background(), "mistral")
	require.NoError(t, err)
	assert.Equal(t, "wss://node-a.example.com", node.Address)

	node, err = picker.PickNodeForModel(context.Background(), "mistral")
	require.NoError(t, err)
	assert.Equal(t, "wss://node-c.example.com", node.Address, "rotation moves past nodes without the model")
}

func TestStaticPicker_RoundRobins(t *testing.T) {
	picker, err := NewStaticPicker([]byte(testCatalog), nil)
	require.NoError(t, err)

	var seen []string
	for i := 0; i < 4; i++ {
		node, err := picker.PickNodeForModel(context.Background(), "llama-3")
		require.NoError(t, err)
		seen = append(seen, node.Address)
	}
	assert.Equal(t, []string{
		"wss://node-a.example.com",
		"wss://node-b.example.com",
		"wss://node-a.example.com",
		"wss://node-b.example.com",
	}, seen)
}

func TestStaticPicker_SkipsBlacklistedNodes(t *testing.T) {
	blacklist := mapBlacklist{"6c0f9e5a-1111-4c4e-8b2a-000000000001": true}
	picker, err := NewStaticPicker([]byte(testCatalog), blacklist)
	require.NoError(t, err)

	node, err := picker.PickNodeForModel(context.Background(), "llama-3")
	require.NoError(t, err)
	assert.Equal(t, "wss://node-b.example.com", node.Address)

	// blacklisting every llama-3 node leaves nothing to pick
	blacklist["6c0f9e5a-1111-4c4e-8b2a-000000000002"] = true
	_, err = picker.PickNodeForModel(context.Background(), "llama-3")
	assert.ErrorIs(t, err, ErrNoEligibleNode)

	// a model served by a healthy node still works
	node, err = picker.PickNodeForModel(context.Background(), "mistral")
	require.NoError(t, err)
	assert.Equal(t, "wss://node-c.example.com", node.Address)
}

func TestStaticPicker_UnknownModel(t *testing.T) {
	picker, err := NewStaticPicker([]byte(testCatalog), nil)
	require.NoError(t, err)
	_, err = picker.PickNodeForModel(context.Background(), "gpt-oss")
	assert.ErrorIs(t, err, ErrNoEligibleNode)
}

func TestStaticPicker_ConcurrentPicks(t *testing.T) {
	picker, err := NewStaticPicker([]byte(testCatalog), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	picks := make(chan string, 32)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				node, err := picker.PickNodeForModel(context.Background(), "llama-3")
				assert.NoError(t, err)
				picks <- node.Address
			}
		}()
	}
	wg.Wait()
	close(picks)

	counts := map[string]int{}
	for addr := range picks {
		counts[addr]++
	}
	assert.Equal(t, 32, counts["wss://node-a.example.com"]+counts["wss://node-b.example.com"])
	assert.NotZero(t, counts["wss://node-a.example.com"], "rotation reaches both nodes")
	assert.NotZero(t, counts["wss://node-b.example.com"], "rotation reaches both nodes")
}

func TestStaticPicker_RejectsBadCatalog(t *testing.T) {
	_, err := NewStaticPicker([]byte(`nodes: [{id: "not-a-uuid"}]`), nil)
	assert.Error(t, err)

	_, err = NewStaticPicker([]byte(`nodes: [{id: "6c0f9e5a-1111-4c4e-8b2a-000000000001", publicKey: "%%%"}]`), nil)
	assert.Error(t, err)
}
