// Package bptree implements an in-memory B+tree with ordered range scans.
package bptree

import (
	"cmp"
	"sort"
	"sync"
)

// DefaultOrder is the fallback branching factor if a user-supplied order is too small.
const DefaultOrder = 4

// findChildIndex returns the child to descend into for searchKey.
func findChildIndex[K cmp.Ordered](keys []K, searchKey K) int {
	return sort.Search(len(keys), func(i int) bool { return searchKey < keys[i] })
}

// BPlusTree maps ordered keys to values. Inserts are serialized; searches
// and scans may run concurrently with each other.
type BPlusTree[K cmp.Ordered, V any] struct {
	root   *node[K, V]
	order  int
	height int
	size   int
	m      sync.RWMutex
}

// node represents both internal and leaf nodes in the B+Tree.
type node[K cmp.Ordered, V any] struct {
	isLeaf   bool
	keys     []K
	children []*node[K, V] // used if !isLeaf
	values   []V           // used if isLeaf
	parent   *node[K, V]
	next     *node[K, V] // leaf-link pointer, for range scans
}

// NewBPlusTree creates and returns a B+Tree with the given order.
// If the specified order < 3, we fall back to DefaultOrder.
func NewBPlusTree[K cmp.Ordered, V any](order int) *BPlusTree[K, V] {
	if order < 3 {
		order = DefaultOrder
	}
	return &BPlusTree[K, V]{
		root: &node[K, V]{
			isLeaf: true,
			keys:   make([]K, 0, order+1),
			values: make([]V, 0, order+1),
		},
		order:  order,
		height: 1,
	}
}

func (tree *BPlusTree[K, V]) Height() int {
	tree.m.RLock()
	defer tree.m.RUnlock()
	return tree.height
}

// Len returns the number of keys.
func (tree *BPlusTree[K, V]) Len() int {
	tree.m.RLock()
	defer tree.m.RUnlock()
	return tree.size
}

func (tree *BPlusTree[K, V]) leafFor(key K) *node[K, V] {
	current := tree.root
	for !current.isLeaf {
		current = current.children[findChildIndex(current.keys, key)]
	}
	return current
}

// Search locates the value associated with key.
func (tree *BPlusTree[K, V]) Search(key K) (V, bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	leaf := tree.leafFor(key)
	i := sort.Search(len(leaf.keys), func(i int) bool { return leaf.keys[i] >= key })
	if i < len(leaf.keys) && leaf.keys[i] == key {
		return leaf.values[i], true
	}
	var zero V
	return zero, false
}

// Insert adds key, replacing the value of an existing key.
func (tree *BPlusTree[K, V]) Insert(key K, value V) {
	tree.m.Lock()
	defer tree.m.Unlock()

	leaf := tree.leafFor(key)
	if insertKeyValueInLeaf(leaf, key, value) {
		tree.size++
	}
	if len(leaf.keys) > tree.order {
		tree.splitLeaf(leaf)
	}
}

// Range calls fn for every key in [lo, hi) in ascending order until fn
// returns false.
func (tree *BPlusTree[K, V]) Range(lo, hi K, fn func(key K, value V) bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	leaf := tree.leafFor(lo)
	i := sort.Search(len(leaf.keys), func(i int) bool { return leaf.keys[i] >= lo })
	for leaf != nil {
		for ; i < len(leaf.keys); i++ {
			if leaf.keys[i] >= hi {
				return
			}
			if !fn(leaf.keys[i], leaf.values[i]) {
				return
			}
		}
		leaf, i = leaf.next, 0
	}
}

// Ascend calls fn for every key in ascending order until fn returns false.
func (tree *BPlusTree[K, V]) Ascend(fn func(key K, value V) bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	leaf := tree.root
	for !leaf.isLeaf {
		leaf = leaf.children[0]
	}
	for ; leaf != nil; leaf = leaf.next {
		for i := range leaf.keys {
			if !fn(leaf.keys[i], leaf.values[i]) {
				return
			}
		}
	}
}

// insertKeyValueInLeaf inserts in sorted order and reports whether the key is new.
func insertKeyValueInLeaf[K cmp.Ordered, V any](leaf *node[K, V], key K, value V) bool {
	idx := sort.Search(len(leaf.keys), func(i int) bool { return leaf.keys[i] >= key })
	if idx < len(leaf.keys) && leaf.keys[idx] == key {
		leaf.values[idx] = value
		return false
	}

	var zeroK K
	var zeroV V
	leaf.keys = append(leaf.keys, zeroK)
	leaf.values = append(leaf.values, zeroV)
	copy(leaf.keys[idx+1:], leaf.keys[idx:])
	copy(leaf.values[idx+1:], leaf.values[idx:])
	leaf.keys[idx] = key
	leaf.values[idx] = value
	return true
}

// splitLeaf handles splitting a leaf node that has overflowed.
func (tree *BPlusTree[K, V]) splitLeaf(leaf *node[K, V]) {
	mid := len(leaf.keys) / 2

	newLeaf := &node[K, V]{
		isLeaf: true,
		keys:   append([]K{}, leaf.keys[mid:]...),
		values: append([]V{}, leaf.values[mid:]...),
		next:   leaf.next,
		parent: leaf.parent,
	}

	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.next = newLeaf

	if leaf.parent == nil {
		tree.growRoot(leaf, newLeaf, newLeaf.keys[0])
		return
	}
	tree.insertKeyInParent(leaf.parent, newLeaf.keys[0], newLeaf)
}

func (tree *BPlusTree[K, V]) growRoot(left, right *node[K, V], key K) {
	root := &node[K, V]{
		keys:     []K{key},
		children: []*node[K, V]{left, right},
	}
	left.parent = root
	right.parent = root
	tree.root = root
	tree.height++
}

// insertKeyInParent inserts key and links rightChild after its left sibling.
func (tree *BPlusTree[K, V]) insertKeyInParent(parent *node[K, V], key K, rightChild *node[K, V]) {
	idx := sort.Search(len(parent.keys), func(i int) bool { return parent.keys[i] >= key })

	var zero K
	parent.keys = append(parent.keys, zero)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = key

	parent.children = append(parent.children, nil)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = rightChild
	rightChild.parent = parent

	if len(parent.keys) > tree.order {
		tree.splitInternalNode(parent)
	}
}

// splitInternalNode handles splitting an internal node that has overflowed.
func (tree *BPlusTree[K, V]) splitInternalNode(internal *node[K, V]) {
	mid := len(internal.keys) / 2
	splitKey := internal.keys[mid]

	newInternal := &node[K, V]{
		keys:     append([]K{}, internal.keys[mid+1:]...),
		children: append([]*node[K, V]{}, internal.children[mid+1:]...),
		parent:   internal.parent,
	}
	for _, child := range newInternal.children {
		child.parent = newInternal
	}

	internal.keys = internal.keys[:mid]
	internal.children = internal.children[:mid+1]

	if internal.parent == nil {
		tree.growRoot(internal, newInternal, splitKey)
		return
	}
	tree.insertKeyInParent(internal.parent, splitKey, newInternal)
}
