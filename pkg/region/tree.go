// Package region resolves location requests to concrete regions and checks
// them against a workspace's region-constraint policy.
package region

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

//go:embed locations.yaml
var defaultLocations []byte

// Location is a node of a platform's location tree.
type Location struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Locations   []*Location `yaml:"locations,omitempty" json:"locations,omitempty"`

	parent *Location
	path   string
}

// Path returns the slash-separated names from the root to this location.
func (l *Location) Path() string {
	return l.path
}

// Ancestors returns the names of every location containing l, nearest first.
func (l *Location) Ancestors() []string {
	var out []string
	for p := l.parent; p != nil; p = p.parent {
		out = append(out, p.Name)
	}
	return out
}

// Within reports whether l is the named location or one of its descendants.
func (l *Location) Within(name string) bool {
	for n := l; n != nil; n = n.parent {
		if strings.EqualFold(n.Name, name) {
			return true
		}
	}
	return false
}

type platformTree struct {
	Default string    `yaml:"default"`
	Root    *Location `yaml:"root"`

	index map[string]*Location
}

// Tree holds one location tree per platform.
type Tree struct {
	platforms map[string]*platformTree
}

// DefaultTree returns the embedded location tree.
func DefaultTree() (*Tree, error) {
	return LoadTree(defaultLocations)
}

// LoadTreeFile reads a location tree from a YAML file.
func LoadTreeFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read location tree: %w", err)
	}
	return LoadTree(data)
}

// LoadTree parses a YAML location tree.
func LoadTree(data []byte) (*Tree, error) {
	var doc struct {
		Platforms map[string]*platformTree `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse location tree: %w", err)
	}
	if len(doc.Platforms) == 0 {
		return nil, fmt.Errorf("location tree defines no platforms")
	}

	for name, pt := range doc.Platforms {
		if pt == nil || pt.Root == nil {
			return nil, fmt.Errorf("platform %s has no root location", name)
		}
		pt.index = make(map[string]*Location)
		if err := pt.link(pt.Root, nil); err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		if pt.Default != "" {
			if _, ok := pt.index[strings.ToLower(pt.Default)]; !ok {
				return nil, fmt.Errorf("platform %s: default location %q is not in the tree", name, pt.Default)
			}
		}
	}

	return &Tree{platforms: doc.Platforms}, nil
}

func (pt *platformTree) link(l, parent *Location) error {
	if l.Name == "" {
		return fmt.Errorf("location without a name")
	}
	key := strings.ToLower(l.Name)
	if _, dup := pt.index[key]; dup {
		return fmt.Errorf("duplicate location %q", l.Name)
	}
	pt.index[key] = l
	l.parent = parent
	if parent == nil {
		l.path = l.Name
	} else {
		l.path = parent.path + "/" + l.Name
	}
	for _, child := range l.Locations {
		if err := pt.link(child, l); err != nil {
			return err
		}
	}
	return nil
}

// Platforms returns the platform names in the tree, sorted.
func (t *Tree) Platforms() []string {
	out := make([]string, 0, len(t.platforms))
	for name := range t.platforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default returns the platform's default location, or "".
func (t *Tree) Default(platform string) string {
	if pt, ok := t.platforms[platform]; ok {
		return pt.Default
	}
	return ""
}

// Root returns the root location of a platform.
func (t *Tree) Root(platform string) (*Location, error) {
	pt, ok := t.platforms[platform]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("unknown platform: %s", platform))
	}
	return pt.Root, nil
}

// Find returns the named location with its sub-locations. Names are matched
// case-insensitively.
func (t *Tree) Find(platform, name string) (*Location, error) {
	pt, ok := t.platforms[platform]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("unknown platform: %s", platform))
	}
	l, ok := pt.index[strings.ToLower(name)]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("location %q not found on platform %s", name, platform))
	}
	return l, nil
}

// Match lists the locations whose path matches a doublestar pattern, such as
// "global/us/**", in tree order.
func (t *Tree) Match(platform, pattern string) ([]*Location, error) {
	root, err := t.Root(platform)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid location pattern %q", pattern), nil)
	}

	var out []*Location
	var walk func(l *Location)
	walk = func(l *Location) {
		if ok, _ := doublestar.Match(strings.ToLower(pattern), strings.ToLower(l.path)); ok {
			out = append(out, l)
		}
		for _, child := range l.Locations {
			walk(child)
		}
	}
	walk(root)
	return out, nil
}
