package store

import (
	"time"

	"github.com/google/btree"
)

// openEntry is one non-terminal order in the open-order index.
type openEntry struct {
	SubmittedAt   time.Time
	ClientOrderID string
	Symbol        string
}

// openLess orders entries by submission time ascending, then client order
// id ascending, so reconciliation visits the oldest working orders first.
func openLess(a, b openEntry) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ClientOrderID < b.ClientOrderID
}

// openIndex is a B-tree of non-terminal orders with a secondary map for
// O(log n) removal by client order id. Not safe for concurrent use; the
// memory store guards it with its own lock.
type openIndex struct {
	tree *btree.BTreeG[openEntry]
	byID map[string]openEntry
}

func newOpenIndex() *openIndex {
	const degree = 32
	return &openIndex{
		tree: btree.NewG[openEntry](degree, openLess),
		byID: make(map[string]openEntry),
	}
}

func (ix *openIndex) add(e openEntry) {
	ix.tree.ReplaceOrInsert(e)
	ix.byID[e.ClientOrderID] = e
}

func (ix *openIndex) remove(clientOrderID string) {
	e, ok := ix.byID[clientOrderID]
	if !ok {
		return
	}
	ix.tree.Delete(e)
	delete(ix.byID, clientOrderID)
}

// ascend visits entries oldest first until fn returns false.
func (ix *openIndex) ascend(fn func(e openEntry) bool) {
	ix.tree.Ascend(fn)
}

func (ix *openIndex) len() int {
	return ix.tree.Len()
}
