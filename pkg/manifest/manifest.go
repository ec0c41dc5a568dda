// pkg/manifest/manifest.go

package manifest

import (
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest maps logical paths to their entries.
type Manifest map[string]Entry

// Paths returns the logical paths in sorted order.
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a deep copy of the manifest.
func (m Manifest) Clone() Manifest {
	c := make(Manifest, len(m))
	for p, e := range m {
		c[p] = e.Clone()
	}
	return c
}

type yamlShard struct {
	Offsets []int64   `yaml:"offsets,flow"`
	Sizes   []int64   `yaml:"sizes,flow"`
	Tensor  yamlEntry `yaml:"tensor"`
}

type yamlEntry struct {
	Type       string      `yaml:"type"`
	Location   string      `yaml:"location,omitempty"`
	Serializer Serializer  `yaml:"serializer,omitempty"`
	DType      string      `yaml:"dtype,omitempty"`
	Shape      []int64     `yaml:"shape,flow,omitempty"`
	ObjType    string      `yaml:"obj_type,omitempty"`
	Replicated bool        `yaml:"replicated"`
	ByteRange  []int64     `yaml:"byte_range,flow,omitempty"`
	Chunks     []yamlShard `yaml:"chunks,omitempty"`
	Shards     []yamlShard `yaml:"shards,omitempty"`
}

func toYAMLShards(shards []Shard) []yamlShard {
	out := make([]yamlShard, 0, len(shards))
	for _, s := range shards {
		out = append(out, yamlShard{Offsets: s.Offsets, Sizes: s.Sizes, Tensor: toYAML(s.Tensor)})
	}
	return out
}

func toYAML(e Entry) yamlEntry {
	switch v := e.(type) {
	case *TensorEntry:
		y := yamlEntry{
			Type:       TypeTensor,
			Location:   v.Location,
			Serializer: v.Serializer,
			DType:      v.DType,
			Shape:      v.Shape,
			Replicated: v.Replicated,
		}
		if v.ByteRange != nil {
			y.ByteRange = []int64{v.ByteRange.Lower, v.ByteRange.Upper}
		}
		return y
	case *ChunkedTensorEntry:
		return yamlEntry{
			Type:       TypeChunkedTensor,
			DType:      v.DType,
			Shape:      v.Shape,
			Replicated: v.Replicated,
			Chunks:     toYAMLShards(v.Chunks),
		}
	case *ShardedTensorEntry:
		return yamlEntry{Type: TypeShardedTensor, Shards: toYAMLShards(v.Shards)}
	case *ObjectEntry:
		return yamlEntry{
			Type:       TypeObject,
			Location:   v.Location,
			Serializer: v.Serializer,
			ObjType:    v.ObjType,
			Replicated: v.Replicated,
		}
	}
	return yamlEntry{}
}

func fromYAMLShards(ys []yamlShard) ([]Shard, error) {
	shards := make([]Shard, 0, len(ys))
	for _, y := range ys {
		e, err := fromYAML(y.Tensor)
		if err != nil {
			return nil, err
		}
		t, ok := e.(*TensorEntry)
		if !ok {
			return nil, errors.Errorf("shard holds a %s entry, expected %s", e.Type(), TypeTensor)
		}
		shards = append(shards, Shard{Offsets: y.Offsets, Sizes: y.Sizes, Tensor: t})
	}
	return shards, nil
}

func fromYAML(y yamlEntry) (Entry, error) {
	switch y.Type {
	case TypeTensor:
		t := &TensorEntry{
			Location:   y.Location,
			Serializer: y.Serializer,
			DType:      y.DType,
			Shape:      y.Shape,
			Replicated: y.Replicated,
		}
		if y.ByteRange != nil {
			if len(y.ByteRange) != 2 {
				return nil, errors.Errorf("byte_range of %s must have 2 elements, got %v", y.Location, y.ByteRange)
			}
			br := NewByteRange(y.ByteRange[0], y.ByteRange[1])
			if !br.Valid() {
				return nil, errors.Errorf("invalid byte_range %s for %s", br, y.Location)
			}
			t.ByteRange = &br
		}
		return t, nil
	case TypeChunkedTensor:
		chunks, err := fromYAMLShards(y.Chunks)
		if err != nil {
			return nil, err
		}
		return &ChunkedTensorEntry{DType: y.DType, Shape: y.Shape, Chunks: chunks, Replicated: y.Replicated}, nil
	case TypeShardedTensor:
		shards, err := fromYAMLShards(y.Shards)
		if err != nil {
			return nil, err
		}
		return &ShardedTensorEntry{Shards: shards}, nil
	case TypeObject:
		return &ObjectEntry{
			Location:   y.Location,
			Serializer: y.Serializer,
			ObjType:    y.ObjType,
			Replicated: y.Replicated,
		}, nil
	}
	return nil, errors.Errorf("unknown entry type %q", y.Type)
}

func encodeEntries(m Manifest) (map[string]yamlEntry, error) {
	out := make(map[string]yamlEntry, len(m))
	for p, e := range m {
		if e == nil {
			return nil, errors.Errorf("nil entry for %q", p)
		}
		out[p] = toYAML(e)
	}
	return out, nil
}

func decodeEntries(in map[string]yamlEntry) (Manifest, error) {
	m := make(Manifest, len(in))
	for p, y := range in {
		e, err := fromYAML(y)
		if err != nil {
			return nil, errors.WithMessagef(err, "entry %q", p)
		}
		m[p] = e
	}
	return m, nil
}

// Marshal encodes the manifest as YAML, keyed by logical path.
func Marshal(m Manifest) ([]byte, error) {
	out, err := encodeEntries(m)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "yaml")
	}
	return data, nil
}

// Unmarshal decodes a manifest written by Marshal.
func Unmarshal(data []byte) (Manifest, error) {
	var in map[string]yamlEntry
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, "yaml")
	}
	return decodeEntries(in)
}

// Metadata is the document stored at the root of a snapshot.
type Metadata struct {
	Version   string
	WorldSize int
	Manifest  Manifest
}

type yamlMetadata struct {
	Version   string               `yaml:"version"`
	WorldSize int                  `yaml:"world_size"`
	Manifest  map[string]yamlEntry `yaml:"manifest"`
}

func MarshalMetadata(md *Metadata) ([]byte, error) {
	entries, err := encodeEntries(md.Manifest)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(yamlMetadata{Version: md.Version, WorldSize: md.WorldSize, Manifest: entries})
	if err != nil {
		return nil, errors.Wrap(err, "yaml")
	}
	return data, nil
}

func UnmarshalMetadata(data []byte) (*Metadata, error) {
	var in yamlMetadata
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, "yaml")
	}
	m, err := decodeEntries(in.Manifest)
	if err != nil {
		return nil, err
	}
	return &Metadata{Version: in.Version, WorldSize: in.WorldSize, Manifest: m}, nil
}
