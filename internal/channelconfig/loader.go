package channelconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxIncludeDepth bounds include nesting; it also breaks include cycles.
const maxIncludeDepth = 8

// LoadFile reads one channel definition, resolving !include references
// relative to the file's directory.
func LoadFile(path string) (*Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, fmt.Errorf("parsing %s: empty document", path)
	}
	if err := resolveIncludes(&root, filepath.Dir(path), 0); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var ch Channel
	if err := root.Decode(&ch); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	ch.withDefaults()
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &ch, nil
}

// resolveIncludes walks the node tree and splices in every !include target.
// The reference is "path" or "path:dotted.key"; the first colon splits the
// two. Relative paths resolve against dir; nested includes resolve against
// the including file's own directory.
func resolveIncludes(node *yaml.Node, dir string, depth int) error {
	if node.Tag == "!include" {
		if depth >= maxIncludeDepth {
			return fmt.Errorf("line %d: includes nest deeper than %d", node.Line, maxIncludeDepth)
		}
		if node.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: !include expects a scalar \"path[:dotted.key]\"", node.Line)
		}
		resolved, err := loadInclude(node.Value, dir, depth)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*node = *resolved
		return nil
	}
	for _, child := range node.Content {
		if err := resolveIncludes(child, dir, depth); err != nil {
			return err
		}
	}
	return nil
}

func loadInclude(ref, dir string, depth int) (*yaml.Node, error) {
	pathPart, keyPart, _ := strings.Cut(ref, ":")
	if pathPart == "" {
		return nil, fmt.Errorf("!include needs a file path")
	}
	target := pathPart
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("include %s: %w", pathPart, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("include %s: %w", pathPart, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("include %s: empty document", pathPart)
	}
	if err := resolveIncludes(&doc, filepath.Dir(target), depth+1); err != nil {
		return nil, fmt.Errorf("include %s: %w", pathPart, err)
	}

	node := doc.Content[0]
	if keyPart != "" {
		node, err = lookupKey(node, keyPart)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", pathPart, err)
		}
	}
	return node, nil
}

// lookupKey walks a dotted key path through nested mappings.
func lookupKey(node *yaml.Node, dotted string) (*yaml.Node, error) {
	cur := node
	for _, seg := range strings.Split(dotted, ".") {
		if cur.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("key %q: %q does not address a mapping", dotted, seg)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(cur.Content); i += 2 {
			if cur.Content[i].Value == seg {
				next = cur.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("key %q not found", dotted)
		}
		cur = next
	}
	return cur, nil
}
