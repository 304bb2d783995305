package profile

import (
	"fmt"

	"github.com/formwarden/waf/pkg/types"
)

// MaxInheritanceDepth bounds the extends chain.
const MaxInheritanceDepth = 3

// ResolveInheritance materializes a profile's extends chain into a
// flat node list. The child's nodes are applied to a clone of the
// resolved parent, in the child's declaration order:
//
//   - remove: true deletes the matching parent node
//   - insert_after / insert_before insert at the anchor's position
//   - a matching id merges the child's set fields over the parent node
//   - anything else appends
//
// An insert whose anchor is missing (including one removed by an
// earlier patch in the same set) appends instead, so patch sets with
// disjoint targets commute. Resolution is idempotent: the returned
// profile has no extends reference and no patch directives left.
func ResolveInheritance(p *types.DefenseProfile, lookup func(id string) *types.DefenseProfile) (*types.DefenseProfile, error) {
	return resolveInheritance(p, lookup, 0)
}

func resolveInheritance(p *types.DefenseProfile, lookup func(id string) *types.DefenseProfile, depth int) (*types.DefenseProfile, error) {
	if p == nil {
		return nil, fmt.Errorf("profile is nil")
	}
	if p.Extends == "" {
		return stripDirectives(p.Clone()), nil
	}
	if depth >= MaxInheritanceDepth {
		return nil, fmt.Errorf("profile %s: extends chain deeper than %d", p.ID, MaxInheritanceDepth)
	}

	parent := lookup(p.Extends)
	if parent == nil {
		return nil, fmt.Errorf("profile %s: parent %q not found", p.ID, p.Extends)
	}
	resolved, err := resolveInheritance(parent, lookup, depth+1)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.ID, err)
	}

	merged := resolved.Clone()
	merged.ID = p.ID
	merged.Extends = ""
	merged.Builtin = p.Builtin
	merged.BuiltinVersion = p.BuiltinVersion
	if p.Settings.DefaultAction != "" {
		merged.Settings.DefaultAction = p.Settings.DefaultAction
	}
	if p.Settings.MaxExecutionTimeMS > 0 {
		merged.Settings.MaxExecutionTimeMS = p.Settings.MaxExecutionTimeMS
	}

	for _, patch := range p.Nodes {
		merged.Nodes = applyPatch(merged.Nodes, patch)
	}

	return merged, nil
}

func applyPatch(nodes []types.ProfileNode, patch types.ProfileNode) []types.ProfileNode {
	if patch.Remove {
		for i := range nodes {
			if nodes[i].ID == patch.ID {
				return append(nodes[:i], nodes[i+1:]...)
			}
		}
		return nodes
	}

	if patch.InsertAfter != "" || patch.InsertBefore != "" {
		inserted := patch.Clone()
		anchor := inserted.InsertAfter
		after := true
		if anchor == "" {
			anchor = inserted.InsertBefore
			after = false
		}
		inserted.InsertAfter = ""
		inserted.InsertBefore = ""

		for i := range nodes {
			if nodes[i].ID != anchor {
				continue
			}
			at := i
			if after {
				at = i + 1
			}
			nodes = append(nodes[:at], append([]types.ProfileNode{inserted}, nodes[at:]...)...)
			return nodes
		}
		// missing anchor: append
		return append(nodes, inserted)
	}

	for i := range nodes {
		if nodes[i].ID == patch.ID {
			nodes[i] = mergeNode(nodes[i], patch)
			return nodes
		}
	}
	return append(nodes, patch.Clone())
}

// mergeNode overlays the child's set fields on the parent node. Config
// entries merge key-wise; inputs and outputs replace wholesale when
// the child sets them.
func mergeNode(parent, child types.ProfileNode) types.ProfileNode {
	merged := parent.Clone()
	if child.Type != "" {
		merged.Type = child.Type
	}
	if child.Name != "" {
		merged.Name = child.Name
	}
	if len(child.Config) > 0 {
		if merged.Config == nil {
			merged.Config = make(map[string]any, len(child.Config))
		}
		for k, v := range child.Config {
			merged.Config[k] = v
		}
	}
	if len(child.Inputs) > 0 {
		merged.Inputs = append([]string(nil), child.Inputs...)
	}
	if len(child.Outputs) > 0 {
		merged.Outputs = make(map[string]string, len(child.Outputs))
		for k, v := range child.Outputs {
			merged.Outputs[k] = v
		}
	}
	return merged
}

func stripDirectives(p *types.DefenseProfile) *types.DefenseProfile {
	for i := range p.Nodes {
		p.Nodes[i].Remove = false
		p.Nodes[i].InsertAfter = ""
		p.Nodes[i].InsertBefore = ""
	}
	return p
}
