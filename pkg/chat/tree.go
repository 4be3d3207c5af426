package chat

import (
	"sort"
)

// The resolver turns a flat parent-linked message collection into the linear
// branch a user is viewing. All functions here are pure: they operate on an
// immutable snapshot ({MessageID -> *Message}) and never mutate it. Parent
// pointers are assumed acyclic by construction.

func sortByCreation(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// ChildIndex inverts parent pointers into {parentID -> [childID, ...]}, each
// child list sorted ascending by creation timestamp (insertion order on ties).
func ChildIndex(msgs map[MessageID]*Message) map[MessageID][]MessageID {
	byParent := make(map[MessageID][]*Message)
	for _, m := range msgs {
		if m.ParentID == NullMessageID {
			continue
		}
		byParent[m.ParentID] = append(byParent[m.ParentID], m)
	}
	index := make(map[MessageID][]MessageID, len(byParent))
	for parentID, children := range byParent {
		sortByCreation(children)
		ids := make([]MessageID, len(children))
		for i, c := range children {
			ids[i] = c.ID
		}
		index[parentID] = ids
	}
	return index
}

// FindRoot walks parent pointers upward from the given message until none
// remains, and returns the walked-to identifier. Returns NullMessageID when
// the starting message is not in the collection.
func FindRoot(msgs map[MessageID]*Message, id MessageID) MessageID {
	m, ok := msgs[id]
	if !ok {
		return NullMessageID
	}
	for m.ParentID != NullMessageID {
		parent, ok := msgs[m.ParentID]
		if !ok {
			break
		}
		m = parent
	}
	return m.ID
}

// Subtree returns every message reachable from rootID (inclusive) through the
// child index, sorted ascending by creation timestamp.
func Subtree(msgs map[MessageID]*Message, rootID MessageID) []*Message {
	root, ok := msgs[rootID]
	if !ok {
		return nil
	}
	index := ChildIndex(msgs)

	var out []*Message
	queue := []*Message{root}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		out = append(out, m)
		for _, childID := range index[m.ID] {
			if child, ok := msgs[childID]; ok {
				queue = append(queue, child)
			}
		}
	}
	sortByCreation(out)
	return out
}

// ChainToRoot walks parent pointers from leafID up to the root and returns the
// collected messages in root-first order.
func ChainToRoot(msgs map[MessageID]*Message, leafID MessageID) []*Message {
	var chain []*Message
	id := leafID
	for id != NullMessageID {
		m, ok := msgs[id]
		if !ok {
			break
		}
		chain = append(chain, m)
		id = m.ParentID
	}
	// collected leaf-first, reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// ActiveBranch computes the displayed branch for the selected leaf.
//
// When the leaf is a true tip, the branch is simply the chain from root to
// leaf. When the leaf has children of its own (the user navigated to a
// historical branch point), its descendants are still meant to be shown: the
// branch is the union of the chain and the leaf's subtree, restricted to the
// root's subtree, sorted by creation timestamp.
func ActiveBranch(msgs map[MessageID]*Message, leafID MessageID) []*Message {
	leaf, ok := msgs[leafID]
	if !ok {
		return nil
	}

	chain := ChainToRoot(msgs, leafID)

	index := ChildIndex(msgs)
	if len(index[leaf.ID]) == 0 {
		return chain
	}

	rootID := FindRoot(msgs, leafID)
	full := Subtree(msgs, rootID)
	inFull := make(map[MessageID]bool, len(full))
	for _, m := range full {
		inFull[m.ID] = true
	}

	union := make(map[MessageID]*Message, len(chain))
	for _, m := range chain {
		union[m.ID] = m
	}
	for _, m := range Subtree(msgs, leaf.ID) {
		union[m.ID] = m
	}

	out := make([]*Message, 0, len(union))
	for id, m := range union {
		if inFull[id] {
			out = append(out, m)
		}
	}
	sortByCreation(out)
	return out
}

// AutoSelectLeaf picks the branch tip to display when no leaf is pinned: the
// most recently created message without children, falling back to the most
// recently created message overall.
func AutoSelectLeaf(msgs map[MessageID]*Message) (MessageID, bool) {
	if len(msgs) == 0 {
		return NullMessageID, false
	}
	hasChildren := make(map[MessageID]bool)
	for _, m := range msgs {
		if m.ParentID != NullMessageID {
			if _, ok := msgs[m.ParentID]; ok {
				hasChildren[m.ParentID] = true
			}
		}
	}

	newer := func(a, b *Message) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Seq > b.Seq
		}
		return a.CreatedAt.After(b.CreatedAt)
	}

	var bestTip, bestAny *Message
	for _, m := range msgs {
		if bestAny == nil || newer(m, bestAny) {
			bestAny = m
		}
		if !hasChildren[m.ID] && (bestTip == nil || newer(m, bestTip)) {
			bestTip = m
		}
	}
	if bestTip != nil {
		return bestTip.ID, true
	}
	return bestAny.ID, true
}
