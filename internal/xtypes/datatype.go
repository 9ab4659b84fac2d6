// Package xtypes holds the extractor's closed data model: the
// DataType enum, version/file descriptors, the wire message variants,
// and the progress counters.
package xtypes

import "fmt"

// DataType is the closed set of Discogs dump entity kinds.
type DataType string

const (
	Artists  DataType = "artists"
	Labels   DataType = "labels"
	Masters  DataType = "masters"
	Releases DataType = "releases"
)

// AllDataTypes lists the four DataTypes in a stable order, used
// wherever a deterministic iteration is required (e.g. building a
// fresh StateMarker or listing a version's pending files).
var AllDataTypes = []DataType{Artists, Labels, Masters, Releases}

// ParseDataType validates a string against the closed DataType set.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case Artists, Labels, Masters, Releases:
		return DataType(s), nil
	default:
		return "", fmt.Errorf("unknown data type: %q", s)
	}
}

// RecordElement is the singular XML element name for a record of this
// DataType (e.g. Artists -> "artist").
func (d DataType) RecordElement() string {
	s := string(d)
	if len(s) == 0 {
		return s
	}
	return s[:len(s)-1]
}

// RoutingKey is the AMQP routing key used for this DataType; it is the
// canonical lowercase string itself.
func (d DataType) RoutingKey() string {
	return string(d)
}

// QueueSuffix is the suffix appended to a consumer-prefixed queue name.
func (d DataType) QueueSuffix() string {
	return string(d)
}

func (d DataType) String() string {
	return string(d)
}
