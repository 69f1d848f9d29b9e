package schema

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// ResultType tags a QueryResult.
type ResultType string

const (
	ResultUser      ResultType = "user"
	ResultLocation  ResultType = "location"
	ResultEvent     ResultType = "event"
	ResultAnalytics ResultType = "analytics"
)

// QueryResult is one item of a resolver response.
type QueryResult struct {
	ID          string     `json:"id"`
	Type        ResultType `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Confidence  float64    `json:"confidence"`
	Metadata    Metadata   `json:"metadata,omitempty"`
}

// QueryRequest is the free-text request accepted by the resolver front ends.
type QueryRequest struct {
	Text string `json:"text"`
}

// QueryResponse is the resolver's answer.
type QueryResponse struct {
	Intent  string        `json:"intent"`
	Message string        `json:"message"`
	Results []QueryResult `json:"results"`
}

// Pair is a single metadata entry.
type Pair struct {
	Key   string
	Value any
}

// Metadata is an ordered list of key/value pairs. It encodes as a JSON object
// whose keys keep insertion order.
type Metadata []Pair

// Add appends a pair and returns the extended metadata.
func (m Metadata) Add(key string, value any) Metadata {
	return append(m, Pair{Key: key, Value: value})
}

// Get returns the first value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "metadata %q", p.Key)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("metadata must be a JSON object")
	}
	out := Metadata{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.New("metadata key must be a string")
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, Pair{Key: key, Value: val})
	}
	*m = out
	return nil
}
