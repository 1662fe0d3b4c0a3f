// Package protocol defines the identifiers shared by the arbitration layer:
// transport methods, the dialect family they belong to, and the per-device
// classification derived from observed traffic.
package protocol

import "fmt"

// Family is a protocol dialect.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyDP
	FamilyStandard
)

func (f Family) String() string {
	switch f {
	case FamilyDP:
		return "dp"
	case FamilyStandard:
		return "standard"
	default:
		return "none"
	}
}

// Method identifies one path by which a device reports data.
type Method string

// DP-family methods ride cluster 0xEF00; standard methods are plain ZCL.
const (
	MethodDPReport       Method = "dp_report"       // 0xEF00 cmd 0x02, unsolicited report
	MethodDPResponse     Method = "dp_response"     // 0xEF00 cmd 0x01, reply to a data request
	MethodDPStatus       Method = "dp_status"       // 0xEF00 cmd 0x06, active status report
	MethodAttrReport     Method = "attr_report"     // ZCL Report Attributes
	MethodAttrRead       Method = "attr_read"       // ZCL Read Attributes Response
	MethodClusterCommand Method = "cluster_command" // standard cluster-specific command
)

// Methods lists every known method in a fixed order.
var Methods = []Method{
	MethodDPReport,
	MethodDPResponse,
	MethodDPStatus,
	MethodAttrReport,
	MethodAttrRead,
	MethodClusterCommand,
}

// Family returns the dialect a method belongs to.
func (m Method) Family() Family {
	switch m {
	case MethodDPReport, MethodDPResponse, MethodDPStatus:
		return FamilyDP
	case MethodAttrReport, MethodAttrRead, MethodClusterCommand:
		return FamilyStandard
	default:
		return FamilyNone
	}
}

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	return m.Family() != FamilyNone
}

// MethodsOf returns the known methods of one family.
func MethodsOf(f Family) []Method {
	var out []Method
	for _, m := range Methods {
		if m.Family() == f {
			out = append(out, m)
		}
	}
	return out
}

// Classification is the arbitration state of a device.
type Classification uint8

const (
	Unknown Classification = iota
	Learning
	DpOnly
	StandardOnly
	Hybrid
)

var classificationNames = map[Classification]string{
	Unknown:      "unknown",
	Learning:     "learning",
	DpOnly:       "dp_only",
	StandardOnly: "standard_only",
	Hybrid:       "hybrid",
}

func (c Classification) String() string {
	if s, ok := classificationNames[c]; ok {
		return s
	}
	return fmt.Sprintf("classification(%d)", uint8(c))
}

// ParseClassification accepts the names produced by String.
func ParseClassification(s string) (Classification, error) {
	for c, name := range classificationNames {
		if name == s {
			return c, nil
		}
	}
	return Unknown, fmt.Errorf("unknown classification %q", s)
}

// Settled reports whether c is one of the final classifications.
func (c Classification) Settled() bool {
	return c == DpOnly || c == StandardOnly || c == Hybrid
}

// Allows reports whether a device in classification c may use methods of family f.
func (c Classification) Allows(f Family) bool {
	switch c {
	case DpOnly:
		return f == FamilyDP
	case StandardOnly:
		return f == FamilyStandard
	default:
		return f != FamilyNone
	}
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(b []byte) error {
	v, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// KnowledgeSource records where a device's classification came from.
type KnowledgeSource uint8

const (
	Unclassified KnowledgeSource = iota
	KnownDevice
	Heuristic
)

func (s KnowledgeSource) String() string {
	switch s {
	case KnownDevice:
		return "known_device"
	case Heuristic:
		return "heuristic"
	default:
		return "unclassified"
	}
}

// ParseKnowledgeSource is the inverse of KnowledgeSource.String.
func ParseKnowledgeSource(name string) (KnowledgeSource, error) {
	for _, s := range []KnowledgeSource{Unclassified, KnownDevice, Heuristic} {
		if s.String() == name {
			return s, nil
		}
	}
	return Unclassified, fmt.Errorf("unknown knowledge source %q", name)
}

func (s KnowledgeSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *KnowledgeSource) UnmarshalText(b []byte) error {
	v, err := ParseKnowledgeSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
