package normalize

import "github.com/arc-self/apps/ot-edge-connector/internal/record"

// statusTopBit is the OPC-UA "Bad" severity bit (the top bit of the
// 32-bit StatusCode).
const statusTopBit = uint32(0x80000000)

// statusUncertainMask matches the 0x40xxxxxx "Uncertain" severity range.
const statusUncertainMask = uint32(0x40000000)

// OPCUA normalizes OPC-UA RawRecords: status code 0 is good, any code with
// the top severity bit set is bad, and the 0x40xxxxxx range is uncertain.
type OPCUA struct {
	Defaults Defaults
}

func (n OPCUA) Normalize(raw record.Raw) (Tag, error) {
	tag := baseTag(n.Defaults, raw)
	code := uint32(raw.StatusCode)
	switch {
	case code == 0:
		tag.Quality = QualityGood
	case code&statusTopBit != 0:
		tag.Quality = QualityBad
	case code&statusUncertainMask == statusUncertainMask:
		tag.Quality = QualityUncertain
	default:
		tag.Quality = QualityGood
	}
	return tag, nil
}

// MQTT normalizes MQTT RawRecords. Messages are good unless flagged
// retained-but-stale via metadata["stale"].
type MQTT struct {
	Defaults Defaults
}

func (n MQTT) Normalize(raw record.Raw) (Tag, error) {
	tag := baseTag(n.Defaults, raw)
	tag.Quality = QualityGood
	if stale, ok := raw.Metadata["stale"].(bool); ok && stale {
		if retained, ok := raw.Metadata["retained"].(bool); ok && retained {
			tag.Quality = QualityUncertain
		}
	}
	return tag, nil
}

// Modbus normalizes Modbus-TCP RawRecords. Reads default to good; an
// exception response (flagged via metadata["exception"]) maps to bad.
type Modbus struct {
	Defaults Defaults
}

func (n Modbus) Normalize(raw record.Raw) (Tag, error) {
	tag := baseTag(n.Defaults, raw)
	tag.Quality = QualityGood
	if exc, ok := raw.Metadata["exception"].(bool); ok && exc {
		tag.Quality = QualityBad
	}
	return tag, nil
}

func baseTag(d Defaults, raw record.Raw) Tag {
	path := BuildTagPath(d, raw.TopicOrPath)
	return Tag{
		TagPath:     path,
		TagID:       TagID(path),
		DataType:    InferDataType(raw.Value),
		Value:       raw.Value,
		EventTimeMs: raw.EventTimeMs,
		SourceName:  raw.SourceName,
		Protocol:    raw.Protocol,
		Metadata:    raw.Metadata,
	}
}

// ForProtocol returns the Normalizer implementation for a given protocol.
func ForProtocol(p record.Protocol, d Defaults) Normalizer {
	switch p {
	case record.ProtocolOPCUA:
		return OPCUA{Defaults: d}
	case record.ProtocolMQTT:
		return MQTT{Defaults: d}
	case record.ProtocolModbus:
		return Modbus{Defaults: d}
	default:
		return MQTT{Defaults: d}
	}
}
