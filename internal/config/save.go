package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SetModel updates the model key in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SetModel(configPath, model string) error {
	if model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if err := ValidateModel("model", model); err != nil {
		return err
	}
	return saveScalar(configPath, []string{"model"},
		&yaml.Node{Kind: yaml.ScalarNode, Value: model})
}

// SetPoolSize updates pool.max_concurrent in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SetPoolSize(configPath string, size int) error {
	if err := ValidatePool(PoolConfig{MaxConcurrent: size}); err != nil {
		return err
	}
	return saveScalar(configPath, []string{"pool", "max_concurrent"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(size)})
}

// saveScalar sets a (possibly nested) scalar key in the config file and
// writes the result back atomically.
func saveScalar(configPath string, path []string, value *yaml.Node) error {
	// Read existing file content
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// Empty or new file - create document structure
	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}
	setScalarPath(root, path, value)

	// Marshal back to YAML
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// setScalarPath walks the mapping along path, creating intermediate
// mappings as needed, and sets the final key to value. When the final key
// already holds a scalar, only its value is replaced so line comments on
// the key survive the edit.
func setScalarPath(root *yaml.Node, path []string, value *yaml.Node) {
	node := root
	for _, key := range path[:len(path)-1] {
		child := mappingValue(node, key)
		if child == nil || child.Kind != yaml.MappingNode {
			child = &yaml.Node{Kind: yaml.MappingNode}
			setMappingValue(node, key, child)
		}
		node = child
	}

	last := path[len(path)-1]
	if existing := mappingValue(node, last); existing != nil && existing.Kind == yaml.ScalarNode {
		existing.Value = value.Value
		existing.Tag = value.Tag
		existing.Style = 0
		return
	}
	setMappingValue(node, last, value)
}

// mappingValue returns the value node for key, or nil if absent.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// setMappingValue replaces the value node for key, or appends the pair.
func setMappingValue(node *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Value == key {
			node.Content[i+1] = value
			return
		}
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		value,
	)
}

// writeAtomic writes data to configPath via a temp file and rename.
func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".ocmcp.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
