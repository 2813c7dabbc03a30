package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/obsidianstack/weatheragg/pkg/types"
)

// Observation is one parsed station file.
type Observation struct {
	// Attributes in file order. Values are JSON strings.
	Attributes []types.Attribute
}

// ID returns the station id, or "" when the file has none.
func (o Observation) ID() string {
	for _, a := range o.Attributes {
		if a.Name == types.FieldID {
			return a.Text()
		}
	}
	return ""
}

// Body encodes the observation as a JSON object, keys in file order.
func (o Observation) Body() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range o.Attributes {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(a.Name)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(a.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Parse reads key:value lines. Each line is split on its first colon and
// both halves are trimmed, so values may themselves contain colons. Lines
// without a colon or with an empty key are skipped. A repeated key keeps its
// first position and takes the last value.
func Parse(r io.Reader) (Observation, error) {
	var obs Observation
	index := make(map[string]int)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		val, err := json.Marshal(strings.TrimSpace(v))
		if err != nil {
			return Observation{}, fmt.Errorf("source: encode %q: %w", k, err)
		}
		if i, seen := index[k]; seen {
			obs.Attributes[i].Value = val
			continue
		}
		index[k] = len(obs.Attributes)
		obs.Attributes = append(obs.Attributes, types.Attribute{Name: k, Value: val})
	}
	if err := sc.Err(); err != nil {
		return Observation{}, fmt.Errorf("source: scan: %w", err)
	}
	return obs, nil
}

// Load parses the file at path.
func Load(path string) (Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return Observation{}, fmt.Errorf("source: open %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}
