// Package normalize maps a record.Raw emitted by a protocol client into a
// Tag in the unified ISA-95 hierarchical schema. Normalization runs
// in-process, synchronously with the protocol client's on-record callback.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// DataType is the inferred scalar type of a normalized tag's value.
type DataType string

const (
	DataTypeFloat     DataType = "float"
	DataTypeInt       DataType = "int"
	DataTypeBool      DataType = "bool"
	DataTypeString    DataType = "string"
	DataTypeTimestamp DataType = "timestamp"
)

// Quality is the tri-valued data health enum used throughout industrial
// telemetry: good/bad/uncertain. The mapping from a protocol's raw status
// to Quality must be total — every raw status maps to exactly one value.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// Tag is the output of normalization: a record.Raw reshaped into the
// uniform analytics-ready schema. tag_id is a deterministic function of
// tag_path: equal paths yield equal ids across restarts.
type Tag struct {
	TagPath     string
	TagID       string
	DataType    DataType
	Quality     Quality
	Value       any
	EventTimeMs int64
	SourceName  string
	Protocol    record.Protocol
	Metadata    map[string]any
}

// Defaults is the per-source ISA-95 prefix applied ahead of the derived
// signal component: site/area/line/equipment/signal.
type Defaults struct {
	Site      string
	Area      string
	Line      string
	Equipment string
}

// TagID returns the stable, deterministic hash of a tag path. Equal paths
// always yield equal ids, in this process and across restarts.
func TagID(tagPath string) string {
	sum := sha256.Sum256([]byte(tagPath))
	return hex.EncodeToString(sum[:])[:16]
}

// BuildTagPath assembles the ISA-95 path from the source's configured
// defaults and a signal component canonicalized from topicOrPath.
func BuildTagPath(d Defaults, topicOrPath string) string {
	site := orDefault(d.Site, "default_site")
	area := orDefault(d.Area, "default_area")
	line := orDefault(d.Line, "default_line")
	equipment := orDefault(d.Equipment, "default_equipment")
	signal := CanonicalizeSignal(topicOrPath)
	return strings.Join([]string{site, area, line, equipment, signal}, "/")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// CanonicalizeSignal deterministically derives a signal path component from
// a raw topic/path string: lowercase, replace non-alphanumeric runs with a
// single underscore, strip leading/trailing underscores.
func CanonicalizeSignal(topicOrPath string) string {
	lower := strings.ToLower(topicOrPath)
	var b strings.Builder
	prevUnderscore := false
	for _, r := range lower {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// InferDataType classifies a raw value: numeric values are float if
// fractional else int; recognized boolean literals map to bool; ISO-8601
// parseable strings map to timestamp; everything else is string.
func InferDataType(v any) DataType {
	switch val := v.(type) {
	case bool:
		return DataTypeBool
	case float32:
		return classifyFloat(float64(val))
	case float64:
		return classifyFloat(val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return DataTypeInt
	case string:
		return classifyString(val)
	default:
		return DataTypeString
	}
}

func classifyFloat(f float64) DataType {
	if f == float64(int64(f)) {
		return DataTypeInt
	}
	return DataTypeFloat
}

func classifyString(s string) DataType {
	lower := strings.ToLower(strings.TrimSpace(s))
	if lower == "true" || lower == "false" {
		return DataTypeBool
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return DataTypeInt
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return DataTypeFloat
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return DataTypeTimestamp
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return DataTypeTimestamp
	}
	return DataTypeString
}

// Normalizer converts a record.Raw into a Tag. Each protocol provides its
// own implementation so the pipeline downstream of it stays oblivious to
// protocol specifics.
type Normalizer interface {
	Normalize(raw record.Raw) (Tag, error)
}

// Fallback builds the degraded raw Tag the pipeline falls back to when
// normalization fails. Normalization must never drop records: on any error
// the caller stamps this fallback instead and bumps a normalization_error
// counter.
func Fallback(raw record.Raw) Tag {
	path := "raw/" + raw.SourceName + "/" + raw.TopicOrPath
	return Tag{
		TagPath:     path,
		TagID:       TagID(path),
		DataType:    DataTypeString,
		Quality:     QualityGood,
		Value:       raw.Value,
		EventTimeMs: raw.EventTimeMs,
		SourceName:  raw.SourceName,
		Protocol:    raw.Protocol,
		Metadata:    raw.Metadata,
	}
}
