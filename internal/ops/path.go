package ops

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	segmentRe = regexp.MustCompile(`^([^\[\].]+)((?:\[\d+\])*)$`)
	indexRe   = regexp.MustCompile(`\[(\d+)\]`)
)

// step is one hop of a field path: a mapping key or a sequence index.
type step struct {
	key     string
	index   int
	isIndex bool
}

// ParsePath splits a dot-separated field path such as "contacts[1].email"
// into steps.
func ParsePath(path string) ([]step, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	var steps []step
	for _, seg := range strings.Split(path, ".") {
		m := segmentRe.FindStringSubmatch(seg)
		if m == nil {
			return nil, fmt.Errorf("%w: bad segment %q in %q", ErrInvalidPath, seg, path)
		}
		steps = append(steps, step{key: m[1]})
		for _, im := range indexRe.FindAllStringSubmatch(m[2], -1) {
			n, err := strconv.Atoi(im[1])
			if err != nil {
				return nil, fmt.Errorf("%w: index %q in %q", ErrInvalidPath, im[1], path)
			}
			steps = append(steps, step{index: n, isIndex: true})
		}
	}
	return steps, nil
}

// setPath assigns value at steps below root, creating missing mappings and
// sequences on the way. Sequences are padded with nulls up to the index.
func setPath(root *yaml.Node, steps []step, value *yaml.Node) {
	node := root
	for i, st := range steps {
		var child *yaml.Node
		if st.isIndex {
			if node.Kind != yaml.SequenceNode {
				reset(node, yaml.SequenceNode, "!!seq")
			}
			for len(node.Content) <= st.index {
				node.Content = append(node.Content, nullNode())
			}
			child = node.Content[st.index]
		} else {
			if node.Kind != yaml.MappingNode {
				reset(node, yaml.MappingNode, "!!map")
			}
			child = mappingValue(node, st.key)
			if child == nil {
				child = nullNode()
				node.Content = append(node.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: st.key}, child)
			}
		}
		if i == len(steps)-1 {
			replace(child, value)
			return
		}
		node = child
	}
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// replace swaps n's content for value but keeps the comments attached to n.
func replace(n, value *yaml.Node) {
	head, line, foot := n.HeadComment, n.LineComment, n.FootComment
	*n = *value
	n.HeadComment, n.LineComment, n.FootComment = head, line, foot
}

func reset(n *yaml.Node, kind yaml.Kind, tag string) {
	head, line, foot := n.HeadComment, n.LineComment, n.FootComment
	*n = yaml.Node{Kind: kind, Tag: tag}
	n.HeadComment, n.LineComment, n.FootComment = head, line, foot
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}
