package config

import (
	"gopkg.in/yaml.v3"
)

// UserEntry is a chat user allowed to talk to the bot.
type UserEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"` // for humans reading the file
}

// UserList is a list of UserEntry values that supports mixed YAML formats:
// plain ids ("81234567890") and mappings ({id: "81234567890", name: alice}).
type UserList []UserEntry

// UnmarshalYAML handles both scalar ids and mapping nodes in a YAML sequence.
func (ul *UserList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"expected sequence"}}
	}
	var result UserList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, UserEntry{ID: item.Value})
		case yaml.MappingNode:
			var entry UserEntry
			if err := item.Decode(&entry); err != nil {
				return err
			}
			result = append(result, entry)
		}
	}
	*ul = result
	return nil
}

// MarshalYAML serializes UserList: entries without a name become plain ids.
func (ul UserList) MarshalYAML() (any, error) {
	var nodes []*yaml.Node
	for _, e := range ul {
		if e.Name == "" {
			nodes = append(nodes, &yaml.Node{Kind: yaml.ScalarNode, Value: e.ID, Style: yaml.DoubleQuotedStyle})
		} else {
			var n yaml.Node
			if err := n.Encode(e); err != nil {
				return nil, err
			}
			nodes = append(nodes, &n)
		}
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

// IDs returns just the user ids.
func (ul UserList) IDs() []string {
	out := make([]string, len(ul))
	for i, e := range ul {
		out[i] = e.ID
	}
	return out
}

// Allows reports whether id may use the bot. An empty list allows everyone.
func (ul UserList) Allows(id string) bool {
	if len(ul) == 0 {
		return true
	}
	for _, e := range ul {
		if e.ID == id {
			return true
		}
	}
	return false
}
