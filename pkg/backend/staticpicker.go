package backend

import (
	"context"
	"encoding/base64"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/veil/pkg/chat"
)

var ErrNoEligibleNode = errors.New("backend: no eligible node for model")

// BlacklistView is the read side of the failure blacklist, consulted during
// node selection.
type BlacklistView interface {
	IsBlacklisted(id chat.NodeID) bool
}

type catalogEntry struct {
	ID        string   `yaml:"id"`
	Address   string   `yaml:"address"`
	PublicKey string   `yaml:"publicKey"`
	Models    []string `yaml:"models"`
}

type catalogFile struct {
	Nodes []catalogEntry `yaml:"nodes"`
}

// StaticPicker selects nodes from a fixed YAML catalog, skipping blacklisted
// entries. It stands in for a real discovery service.
//
// The catalog is immutable after construction; only the rotation cursor
// mutates, guarded so the picker is safe for concurrent turns.
type StaticPicker struct {
	nodes     []*chat.NodeRef
	models    map[chat.NodeID][]string
	blacklist BlacklistView

	mu   sync.Mutex
	next int
}

func NewStaticPickerFromFile(path string, blacklist BlacklistView) (*StaticPicker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading node catalog")
	}
	return NewStaticPicker(data, blacklist)
}

func NewStaticPicker(catalogYAML []byte, blacklist BlacklistView) (*StaticPicker, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(catalogYAML, &cf); err != nil {
		return nil, errors.Wrap(err, "parsing node catalog")
	}
	p := &StaticPicker{
		blacklist: blacklist,
		models:    make(map[chat.NodeID][]string),
	}
	for _, entry := range cf.Nodes {
		var id chat.NodeID
		if err := id.UnmarshalJSON([]byte(`"` + entry.ID + `"`)); err != nil {
			return nil, errors.Wrapf(err, "node id %q", entry.ID)
		}
		pk, err := base64.StdEncoding.DecodeString(entry.PublicKey)
		if err != nil {
			return nil, errors.Wrapf(err, "public key for node %q", entry.ID)
		}
		node := &chat.NodeRef{ID: id, Address: entry.Address, PublicKey: pk}
		p.nodes = append(p.nodes, node)
		p.models[id] = entry.Models
	}
	return p, nil
}

// Nodes returns the catalog in file order.
func (p *StaticPicker) Nodes() []*chat.NodeRef {
	return append([]*chat.NodeRef(nil), p.nodes...)
}

// Models returns the models a node advertises; empty means any.
func (p *StaticPicker) Models(id chat.NodeID) []string {
	return append([]string(nil), p.models[id]...)
}

func (p *StaticPicker) supportsModel(id chat.NodeID, modelID string) bool {
	models := p.models[id]
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == modelID {
			return true
		}
	}
	return false
}

// PickNodeForModel round-robins over catalog nodes that advertise the model
// and are not currently blacklisted.
func (p *StaticPicker) PickNodeForModel(_ context.Context, modelID string) (*chat.NodeRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.nodes); i++ {
		node := p.nodes[(p.next+i)%len(p.nodes)]
		if !p.supportsModel(node.ID, modelID) {
			continue
		}
		if p.blacklist != nil && p.blacklist.IsBlacklisted(node.ID) {
			continue
		}
		p.next = (p.next + i + 1) % len(p.nodes)
		return node, nil
	}
	return nil, ErrNoEligibleNode
}

var _ NodePicker = (*StaticPicker)(nil)
