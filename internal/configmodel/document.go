// Package configmodel implements the hierarchical configuration document
// (spec.md §3) and ConfigProvider (spec.md §4.1): a JSON tree of
// namespaces, recommenders, variations and experiments, with shallow-copy
// inheritance of four keys down the tree.
package configmodel

import (
	"encoding/json"
)

// Node is one level of the configuration tree. The document is
// intentionally untyped (map[string]any) because its shape varies by
// variation type and because inheritance operates uniformly over whichever
// of the four inheritable keys happen to be present — a fixed struct would
// force every node to carry every backend's fields.
type Node map[string]any

// inheritableKeys are shallow-copied from parent to child when the child
// doesn't already set them (spec.md §3, §4.1).
var inheritableKeys = []string{"autoContext", "filters", "cacheControl", "inferenceItemMetadata"}

// Document is the root of a parsed configuration tree.
type Document struct {
	root Node
}

// ParseDocument decodes a configuration document from JSON.
func ParseDocument(raw []byte) (*Document, error) {
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	return &Document{root: root}, nil
}

// Version returns the root "version" field, or def if absent.
func (d *Document) Version(def string) string {
	if d == nil {
		return def
	}
	if v, ok := d.root["version"].(string); ok {
		return v
	}
	return def
}

// inherit returns a new Node that is config with any missing inheritable
// key filled in from parent. Neither parent nor config is mutated.
func inherit(parent, config Node) Node {
	if parent == nil || config == nil {
		return config
	}
	merged := make(Node, len(config))
	for k, v := range config {
		merged[k] = v
	}
	for _, key := range inheritableKeys {
		if _, present := merged[key]; !present {
			if pv, ok := parent[key]; ok {
				merged[key] = pv
			}
		}
	}
	return merged
}

func asNode(v any) (Node, bool) {
	n, ok := v.(Node)
	if ok {
		return n, true
	}
	m, ok := v.(map[string]any)
	if ok {
		return Node(m), true
	}
	return nil, false
}

// NamespaceConfig returns the inheritance-resolved view of a namespace, or
// (nil, false) if it isn't configured.
func (d *Document) NamespaceConfig(namespace string) (Node, bool) {
	if d == nil {
		return nil, false
	}
	namespaces, ok := asNode(d.root["namespaces"])
	if !ok {
		return nil, false
	}
	raw, ok := namespaces[namespace]
	if !ok {
		return nil, false
	}
	nsNode, ok := asNode(raw)
	if !ok {
		return nil, false
	}
	return inherit(d.root, nsNode), true
}

// Recognized action buckets, in the order RecommenderConfig searches them
// when no explicit action is given.
var actions = []string{"recommend-items", "related-items", "rerank-items"}

// RecommenderConfig returns the inheritance-resolved view of a recommender
// under a namespace. If action is non-empty, only that action bucket is
// searched; otherwise all three buckets are searched in order and the
// first match wins (spec.md §4.1).
func (d *Document) RecommenderConfig(namespace, recommender, action string) (Node, bool) {
	nsConfig, ok := d.NamespaceConfig(namespace)
	if !ok {
		return nil, false
	}
	recommenders, ok := asNode(nsConfig["recommenders"])
	if !ok {
		return nil, false
	}

	search := actions
	if action != "" {
		search = []string{action}
	}

	for _, act := range search {
		bucket, ok := asNode(recommenders[act])
		if !ok {
			continue
		}
		raw, ok := bucket[recommender]
		if !ok {
			continue
		}
		recNode, ok := asNode(raw)
		if !ok {
			continue
		}
		return inherit(nsConfig, recNode), true
	}
	return nil, false
}

// InheritInto resolves a child node against a parent node, exposed for
// callers (e.g. the variation selector) that need to apply the same
// shallow-copy inheritance to a node they've already located (e.g. a
// variation relative to its recommender).
func InheritInto(parent, child Node) Node {
	return inherit(parent, child)
}

// Namespaces returns every configured namespace path alongside its
// inheritance-resolved view. Used by DecoratorRegistry.PrepareDatastores
// to scan for metadata configuration across the whole tree.
func (d *Document) Namespaces() map[string]Node {
	out := map[string]Node{}
	if d == nil {
		return out
	}
	namespaces, ok := asNode(d.root["namespaces"])
	if !ok {
		return out
	}
	for name, raw := range namespaces {
		if nsNode, ok := asNode(raw); ok {
			out[name] = inherit(d.root, nsNode)
		}
	}
	return out
}
