// OpenSOC/Spyglass - builtin event layouts
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
	The layouts shipped with the CLI, modelled on the usual network
	monitor feeds. Anything else comes in through SetSchema.
*/

package spyglass

func leaf(name string, kind SemType, attrs ...string) *RecType {
	return &RecType{Kind: kind, Name: name, Attrs: attrs}
}

func record(name string, fields ...*RecType) *RecType {
	return &RecType{Kind: TypeRecord, Name: name, Fields: fields}
}

func list(name string, elem SemType, attrs ...string) *RecType {
	return &RecType{Kind: TypeList, Name: name, Attrs: attrs, Elem: &RecType{Kind: elem}}
}

// ConnLayout describes connection log events.
func ConnLayout() *Layout {
	return &Layout{
		Name: "conn",
		Rec: record("conn",
			leaf("ts", TypeTime, AttrTimestamp),
			leaf("uid", TypeString),
			record("id",
				leaf("orig_h", TypeAddr),
				leaf("orig_p", TypePort),
				leaf("resp_h", TypeAddr),
				leaf("resp_p", TypePort),
			),
			leaf("proto", TypeString),
			leaf("service", TypeString),
			leaf("duration", TypeDuration),
			leaf("orig_bytes", TypeCount),
			leaf("resp_bytes", TypeCount),
			leaf("conn_state", TypeString),
			leaf("history", TypeString, AttrSkip),
		),
	}
}

// DNSLayout describes DNS request/response events.
func DNSLayout() *Layout {
	return &Layout{
		Name: "dns",
		Rec: record("dns",
			leaf("ts", TypeTime, AttrTimestamp),
			leaf("uid", TypeString),
			record("id",
				leaf("orig_h", TypeAddr),
				leaf("orig_p", TypePort),
				leaf("resp_h", TypeAddr),
				leaf("resp_p", TypePort),
			),
			leaf("query", TypeString),
			leaf("qtype_name", TypeString),
			leaf("rcode_name", TypeString),
			list("answers", TypeString),
			leaf("rejected", TypeBool),
		),
	}
}

// SyslogLayout describes plain syslog messages. Structured data stays
// out until map columns land in the value index layer.
func SyslogLayout() *Layout {
	return &Layout{
		Name: "syslog",
		Rec: record("syslog",
			leaf("ts", TypeTime, AttrTimestamp),
			leaf("facility", TypeCount),
			leaf("severity", TypeCount),
			leaf("hostname", TypeString),
			leaf("app_name", TypeString),
			leaf("msg", TypeString),
		),
	}
}

// BuiltinLayout resolves a layout by name, nil when unknown.
func BuiltinLayout(name string) *Layout {
	switch name {
	case "conn":
		return ConnLayout()
	case "dns":
		return DNSLayout()
	case "syslog":
		return SyslogLayout()
	}
	return nil
}

// EOF
