// Package xmlmap builds xmltodict-style structural records from a
// parsed XML element tree, extracts each record's id, and computes the
// canonical content hash used to fingerprint a record for downstream
// consumers.
package xmlmap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/discogsography/extractor/internal/xtypes"
)

// Node is the intermediate tree built while decoding one target
// element: attribute bucket, ordered child buckets, and accumulated
// text. internal/xmlparser constructs these as it walks tokens;
// ToRecord converts a finished Node into the emitted structure.
type Node struct {
	Attrs    map[string]string
	Children []ChildNode
	Text     strings.Builder
}

// ChildNode is one child element captured under its local name,
// preserving document order.
type ChildNode struct {
	Name string
	Node *Node
}

// NewNode returns an empty Node ready for population.
func NewNode() *Node {
	return &Node{Attrs: make(map[string]string)}
}

// AddAttr records one attribute.
func (n *Node) AddAttr(name, value string) {
	n.Attrs[name] = value
}

// AddChild appends a completed child under its local name.
func (n *Node) AddChild(name string, child *Node) {
	n.Children = append(n.Children, ChildNode{Name: name, Node: child})
}

// AddText appends trimmed-on-emit text content; CDATA and entity
// content both flow through here verbatim (unescaping/CDATA handling
// is the XML decoder's job, not this package's).
func (n *Node) AddText(s string) {
	n.Text.WriteString(s)
}

// ToRecord converts a Node into the emitted xmltodict-style value:
// a bare string for a no-attrs/no-children leaf, or a map keyed by
// "@name" for attributes and by local name (scalar or ordered array)
// for children, with "#text" reserved for leftover text alongside
// attributes.
func (n *Node) ToRecord() any {
	text := strings.TrimSpace(n.Text.String())

	if len(n.Attrs) == 0 && len(n.Children) == 0 {
		return text
	}

	rec := make(xtypes.Record, len(n.Attrs)+len(n.Children)+1)
	for k, v := range n.Attrs {
		rec["@"+k] = v
	}

	if len(n.Children) > 0 {
		appendChildren(rec, n.Children)
	} else if text != "" {
		rec["#text"] = text
	}

	return rec
}

// appendChildren groups same-named children into ordered arrays while
// preserving the document order of each group's first appearance.
func appendChildren(rec xtypes.Record, children []ChildNode) {
	order := make([]string, 0, len(children))
	grouped := make(map[string][]any, len(children))

	for _, c := range children {
		if _, seen := grouped[c.Name]; !seen {
			order = append(order, c.Name)
		}
		grouped[c.Name] = append(grouped[c.Name], c.Node.ToRecord())
	}

	for _, name := range order {
		values := grouped[name]
		if len(values) == 1 {
			rec[name] = values[0]
		} else {
			rec[name] = values
		}
	}
}

// ExtractID extracts a record's id, asymmetrically by DataType:
// Artists/Labels read the "id" child; Masters/Releases read the
// "@id" attribute and additionally mirror it into a plain "id" field.
// A missing id yields the literal "unknown".
//
// Masters/Releases are hashed after this mirroring step, so the
// mirrored "id" field is part of their content hash; Artists/Labels
// have no such mirroring and are hashed unaffected by this call. This
// function performs the mirroring in place, so callers must call
// Hash after ExtractID, not before.
func ExtractID(dt xtypes.DataType, rec xtypes.Record) string {
	switch dt {
	case xtypes.Artists, xtypes.Labels:
		if v, ok := rec["id"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
		return "unknown"
	case xtypes.Masters, xtypes.Releases:
		v, ok := rec["@id"]
		if !ok {
			return "unknown"
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return "unknown"
		}
		rec["id"] = s
		return s
	default:
		return "unknown"
	}
}

// Hash computes the canonical SHA-256 digest of a record: recursively
// sort map keys, then marshal to JSON. Stable key ordering and stable
// scalar representation make this deterministic across runs for
// logically equal payloads, regardless of map iteration order.
func Hash(rec any) string {
	canonical := canonicalize(rec)
	data, err := json.Marshal(canonical)
	if err != nil {
		// A Record built exclusively from strings/maps/slices never
		// fails to marshal; if it somehow does, hash the error text so
		// Hash never panics mid-pipeline.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize rewrites every map into a key-sorted array of
// {"key": k, "value": v} objects, so the hashed JSON carries an
// explicit, language-independent ordering instead of relying on
// encoding/json's own map key ordering.
func canonicalize(v any) any {
	switch val := v.(type) {
	case xtypes.Record:
		return canonicalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func canonicalizeMap(m map[string]any) []kv {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv, len(keys))
	for i, k := range keys {
		out[i] = kv{Key: k, Value: canonicalize(m[k])}
	}
	return out
}
