package knowledge

import "zigbee-arbiter/internal/protocol"

// builtinExact lists devices whose dialect is known from field reports.
// An empty model applies to every model of the vendor.
var builtinExact = []struct {
	vendor, model string
	class         protocol.Classification
}{
	// DP-only thermostatic radiator valves and meters.
	{"_TZE200_ckud7u2l", "TS0601", protocol.DpOnly},
	{"_TZE200_aoclfnxz", "TS0601", protocol.DpOnly},
	{"_TZE204_81yrt3lo", "TS0601", protocol.DpOnly},
	{"_TZE200_bkkmqmyo", "TS0601", protocol.DpOnly},
	// Plugs that report on/off over standard clusters and energy over DPs.
	{"_TZ3000_okaz9tjs", "TS011F", protocol.Hybrid},
	{"_TZ3210_7jnk7l3k", "TS0001", protocol.Hybrid},
	// Vendors that never use the DP tunnel.
	{"LUMI", "", protocol.StandardOnly},
	{"IKEA of Sweden", "", protocol.StandardOnly},
	{"Signify Netherlands B.V.", "", protocol.StandardOnly},
	{"Philips", "", protocol.StandardOnly},
	{"SONOFF", "", protocol.StandardOnly},
}

// builtinPatterns are tried in order after the exact table.
var builtinPatterns = []struct {
	vendor, model string
	class         protocol.Classification
}{
	{`^_TZE2\d\d_`, ``, protocol.DpOnly},
	{``, `^TS0601$`, protocol.DpOnly},
	{`^_TZ3000_`, `^TS0(0[0-4][1-4]|11F)$`, protocol.StandardOnly},
	{`^_TZ3210_`, ``, protocol.Hybrid},
}

// Builtin returns a builder seeded with the built-in tables.
func Builtin() *Builder {
	bl := NewBuilder()
	for _, e := range builtinExact {
		if err := bl.AddExact(e.vendor, e.model, e.class); err != nil {
			panic(err)
		}
	}
	for _, p := range builtinPatterns {
		if err := bl.AddPattern(p.vendor, p.model, p.class); err != nil {
			panic(err)
		}
	}
	return bl
}
