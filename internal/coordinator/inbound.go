package coordinator

import (
	"encoding/binary"

	"zigbee-arbiter/internal/normalize"
	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/transport"
	"zigbee-arbiter/internal/tuya"
	"zigbee-arbiter/internal/zcl"
)

// classifyInbound determines the origin method of an inbound payload and
// decodes binary payloads into the shapes the normalizer understands.
// Payloads that are already decoded pass through unchanged.
func classifyInbound(in transport.Inbound) (protocol.Method, any) {
	method := in.Method
	if !method.Valid() {
		method = methodOf(in)
	}

	raw, ok := in.Payload.([]byte)
	if !ok {
		return method, in.Payload
	}

	switch method.Family() {
	case protocol.FamilyDP:
		if frames := tuya.DecodeAny(raw); len(frames) > 0 {
			return method, frames
		}
		return method, raw
	case protocol.FamilyStandard:
		switch method {
		case protocol.MethodAttrReport:
			return method, parseAttributeReport(in.Cluster, raw)
		case protocol.MethodAttrRead:
			return method, parseReadResponse(in.Cluster, raw)
		case protocol.MethodClusterCommand:
			if attrs := commandAttributes(in.Cluster, in.Command); attrs != nil {
				return method, attrs
			}
		}
	}
	return method, raw
}

// methodOf infers the method when the transport did not tag one. Without a
// tag, standard commands 0x01 and 0x0A are read as the global ZCL
// responses; cluster commands must be tagged explicitly.
func methodOf(in transport.Inbound) protocol.Method {
	if in.Cluster == tuya.Cluster {
		switch in.Command {
		case tuya.CmdDataResponse:
			return protocol.MethodDPResponse
		case tuya.CmdActiveStatus:
			return protocol.MethodDPStatus
		default:
			return protocol.MethodDPReport
		}
	}
	switch in.Payload.(type) {
	case normalize.Attribute, []normalize.Attribute:
		if in.Command == zcl.FoundationReadAttributesResponse {
			return protocol.MethodAttrRead
		}
		return protocol.MethodAttrReport
	}
	switch in.Command {
	case zcl.FoundationReportAttributes:
		return protocol.MethodAttrReport
	case zcl.FoundationReadAttributesResponse:
		return protocol.MethodAttrRead
	}
	return protocol.MethodClusterCommand
}

// parseAttributeReport decodes a ZCL Report Attributes payload:
// repeated attrID(2) type(1) value. Parsing stops at the first record
// that cannot be decoded.
func parseAttributeReport(cluster uint16, data []byte) []normalize.Attribute {
	var out []normalize.Attribute
	for len(data) >= 3 {
		id := binary.LittleEndian.Uint16(data[0:2])
		typ := data[2]
		v, n, err := zcl.DecodeValue(typ, data[3:])
		if err != nil {
			break
		}
		out = append(out, normalize.Attribute{Cluster: cluster, ID: id, DataType: typ, Value: v})
		data = data[3+n:]
	}
	return out
}

// parseReadResponse decodes a ZCL Read Attributes Response payload:
// repeated attrID(2) status(1) [type(1) value]. Failed reads are skipped.
func parseReadResponse(cluster uint16, data []byte) []normalize.Attribute {
	var out []normalize.Attribute
	for len(data) >= 3 {
		id := binary.LittleEndian.Uint16(data[0:2])
		status := data[2]
		data = data[3:]
		if status != zcl.StatusSuccess {
			continue
		}
		if len(data) < 1 {
			break
		}
		typ := data[0]
		v, n, err := zcl.DecodeValue(typ, data[1:])
		if err != nil {
			break
		}
		out = append(out, normalize.Attribute{Cluster: cluster, ID: id, DataType: typ, Value: v})
		data = data[1+n:]
	}
	return out
}

// commandAttributes maps state-carrying cluster commands to the attribute
// they imply.
func commandAttributes(cluster uint16, command uint8) []normalize.Attribute {
	if cluster == zcl.ClusterOnOff && command <= 0x01 {
		return []normalize.Attribute{{Cluster: cluster, ID: 0x0000, DataType: zcl.TypeBool, Value: command == 0x01}}
	}
	return nil
}
