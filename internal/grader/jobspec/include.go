package jobspec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	appErr "corrector/pkg/errors"
)

const (
	includeTag      = "!include"
	maxIncludeDepth = 32
)

// includeResolver replaces every `!include <path>` node with the content of the referenced
// file. Paths are relative to the file that contains the tag.
type includeResolver struct {
	stack []string
}

func (r *includeResolver) loadFile(path string) (*yaml.Node, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.IncludeFailed, "resolve %s failed", path)
	}
	for _, open := range r.stack {
		if open == abs {
			chain := append(append([]string(nil), r.stack...), abs)
			return nil, appErr.Newf(appErr.IncludeCycle, "include cycle: %s", strings.Join(chain, " -> "))
		}
	}
	if len(r.stack) >= maxIncludeDepth {
		return nil, appErr.Newf(appErr.IncludeFailed, "includes nested deeper than %d", maxIncludeDepth)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if len(r.stack) == 0 && os.IsNotExist(err) {
			return nil, appErr.Wrapf(err, appErr.JobSpecNotFound, "open %s failed", path)
		}
		return nil, appErr.Wrapf(err, appErr.IncludeFailed, "read %s failed", path)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, appErr.Wrapf(err, appErr.JobSpecInvalid, "parse %s failed", path)
	}
	r.stack = append(r.stack, abs)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()
	if err := r.resolve(&doc, filepath.Dir(abs)); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *includeResolver) resolve(node *yaml.Node, dir string) error {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.ScalarNode && node.Tag == includeTag {
		path := node.Value
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		replacement, err := r.include(path, node)
		if err != nil {
			return err
		}
		*node = *replacement
		return nil
	}
	for _, child := range node.Content {
		if err := r.resolve(child, dir); err != nil {
			return err
		}
	}
	return nil
}

func (r *includeResolver) include(path string, at *yaml.Node) (*yaml.Node, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		doc, err := r.loadFile(path)
		if err != nil {
			return nil, err
		}
		if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
			return doc.Content[0], nil
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Line: at.Line, Column: at.Column}, nil
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.IncludeFailed, "line %d: include %s failed", at.Line, path)
		}
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, appErr.Wrapf(err, appErr.IncludeFailed, "line %d: parse %s failed", at.Line, path)
		}
		var node yaml.Node
		if err := node.Encode(value); err != nil {
			return nil, appErr.Wrapf(err, appErr.IncludeFailed, "line %d: convert %s failed", at.Line, path)
		}
		return &node, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.IncludeFailed, "line %d: include %s failed", at.Line, path)
		}
		return &yaml.Node{
			Kind:   yaml.ScalarNode,
			Tag:    "!!str",
			Value:  string(data),
			Line:   at.Line,
			Column: at.Column,
		}, nil
	}
}
