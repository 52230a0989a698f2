package storage

import (
	"fmt"
	"strings"

	"github.com/mmynk/pacegroup/internal/codec"
)

// AssembleTree builds the value read at path from the leaves stored at or
// below it. leaves maps full leaf paths to encoded values; leaves outside
// path are ignored. A leaf stored exactly at path wins over descendants.
func AssembleTree(path string, leaves map[string][]byte) (Value, error) {
	if raw, ok := leaves[path]; ok {
		return Value{raw: raw}, nil
	}

	root := map[string]any{}
	found := false
	prefix := path + "/"
	for leafPath, raw := range leaves {
		if !strings.HasPrefix(leafPath, prefix) {
			continue
		}
		found = true
		node := root
		segments := strings.Split(strings.TrimPrefix(leafPath, prefix), "/")
		for i, segment := range segments {
			if i == len(segments)-1 {
				node[segment] = codec.RawMessage(raw)
				break
			}
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
	}
	if !found {
		return Value{}, nil
	}

	raw, err := codec.Marshal(root)
	if err != nil {
		return Value{}, fmt.Errorf("failed to encode tree at %s: %w", path, err)
	}
	return Value{raw: raw}, nil
}
