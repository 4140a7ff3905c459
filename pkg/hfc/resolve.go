package hfc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

var placeholderRE = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Resolve returns a copy of node with every {{name}} token in every string
// replaced by the matching input. Sequences and objects are walked
// recursively; other scalars are returned unchanged. A token whose input is
// absent or nil is left verbatim.
func Resolve(node any, inputs map[string]any) any {
	switch n := node.(type) {
	case string:
		return resolveString(n, inputs)
	case []any:
		out := make([]any, len(n))
		for i, child := range n {
			out[i] = Resolve(child, inputs)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for key, child := range n {
			out[key] = Resolve(child, inputs)
		}
		return out
	default:
		return node
	}
}

func resolveString(s string, inputs map[string]any) string {
	if len(inputs) == 0 {
		return s
	}
	return placeholderRE.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-2]
		value, ok := inputs[name]
		if !ok || value == nil {
			return token
		}
		return stringify(value)
	})
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// Placeholders lists the distinct tokens still present in node, sorted.
func Placeholders(node any) []string {
	seen := make(map[string]struct{})
	collectPlaceholders(node, seen)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectPlaceholders(node any, seen map[string]struct{}) {
	switch n := node.(type) {
	case string:
		for _, m := range placeholderRE.FindAllStringSubmatch(n, -1) {
			seen[m[1]] = struct{}{}
		}
	case []any:
		for _, child := range n {
			collectPlaceholders(child, seen)
		}
	case map[string]any:
		for _, child := range n {
			collectPlaceholders(child, seen)
		}
	}
}

// DecodeTree parses raw JSON into the generic tree Resolve walks. Numbers are
// kept as json.Number so integers survive substitution untouched.
func DecodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return tree, nil
}

// DecodeContract turns a resolved tree into a typed contract. Unknown gate
// operators, policies, modes and kinds are rejected here.
func DecodeContract(tree any) (Contract, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return Contract{}, fmt.Errorf("encode template: %w", err)
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		if errors.Is(err, ErrInvalidContract) {
			return Contract{}, err
		}
		return Contract{}, fmt.Errorf("%w: %v", ErrInvalidContract, err)
	}
	return c, nil
}

// ResolveTemplate substitutes inputs into a raw template and decodes the
// result into a Contract.
func ResolveTemplate(tpl json.RawMessage, inputs map[string]any) (Contract, error) {
	tree, err := DecodeTree(tpl)
	if err != nil {
		return Contract{}, err
	}
	return DecodeContract(Resolve(tree, inputs))
}
