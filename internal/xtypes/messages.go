package xtypes

import "time"

// Record is the dynamic, xmltodict-style structural mapping of one
// XML element: attributes under "@name" keys, repeated children as
// ordered arrays, single children as scalar fields, text-only leaves
// as strings. Produced by internal/xmlmap.
type Record = map[string]any

// DataMessage is one published data record: a stable record id, a
// SHA-256 digest over the canonicalized record, the DataType it
// belongs to, and the structural payload itself.
type DataMessage struct {
	DataType DataType `json:"data_type"`
	ID       string   `json:"id"`
	SHA256   string   `json:"sha256"`
	Payload  Record   `json:"payload"`
}

// FileCompleteMessage announces that every record in one source file
// has been parsed and published.
type FileCompleteMessage struct {
	DataType       DataType  `json:"data_type"`
	File           string    `json:"file"`
	TotalProcessed uint64    `json:"total_processed"`
	Timestamp      time.Time `json:"timestamp"`
}

// Envelope is the tagged-variant wire format published to the broker:
// either {"type":"data", data_type, id, sha256, payload} or
// {"type":"file_complete", data_type, file, total_processed, timestamp}.
type Envelope struct {
	Type string `json:"type"`

	DataType DataType `json:"data_type"`

	// data variant
	ID      string `json:"id,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
	Payload Record `json:"payload,omitempty"`

	// file_complete variant
	File           string     `json:"file,omitempty"`
	TotalProcessed uint64     `json:"total_processed,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

const (
	EnvelopeTypeData         = "data"
	EnvelopeTypeFileComplete = "file_complete"
)

// NewDataEnvelope wraps a DataMessage for publication.
func NewDataEnvelope(m DataMessage) Envelope {
	return Envelope{
		Type:     EnvelopeTypeData,
		DataType: m.DataType,
		ID:       m.ID,
		SHA256:   m.SHA256,
		Payload:  m.Payload,
	}
}

// NewFileCompleteEnvelope wraps a FileCompleteMessage for publication.
func NewFileCompleteEnvelope(m FileCompleteMessage) Envelope {
	ts := m.Timestamp
	return Envelope{
		Type:           EnvelopeTypeFileComplete,
		DataType:       m.DataType,
		File:           m.File,
		TotalProcessed: m.TotalProcessed,
		Timestamp:      &ts,
	}
}
