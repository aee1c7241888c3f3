package dbusiface

import "github.com/godbus/dbus/v5/introspect"

// introspectNode builds the static introspection document for
// /net/hadess/PowerProfiles: the net.hadess.PowerProfiles interface's four
// properties (only ActiveProfile is writable), plus the standard
// properties-change interface.
func introspectNode() *introspect.Node {
	return &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: propsIface,
				Methods: []introspect.Method{
					{
						Name: "Get",
						Args: []introspect.Arg{
							{Name: "interface_name", Type: "s", Direction: "in"},
							{Name: "property_name", Type: "s", Direction: "in"},
							{Name: "value", Type: "v", Direction: "out"},
						},
					},
					{
						Name: "GetAll",
						Args: []introspect.Arg{
							{Name: "interface_name", Type: "s", Direction: "in"},
							{Name: "properties", Type: "a{sv}", Direction: "out"},
						},
					},
					{
						Name: "Set",
						Args: []introspect.Arg{
							{Name: "interface_name", Type: "s", Direction: "in"},
							{Name: "property_name", Type: "s", Direction: "in"},
							{Name: "value", Type: "v", Direction: "in"},
						},
					},
				},
				Signals: []introspect.Signal{
					{
						Name: "PropertiesChanged",
						Args: []introspect.Arg{
							{Name: "interface_name", Type: "s"},
							{Name: "changed_properties", Type: "a{sv}"},
							{Name: "invalidated_properties", Type: "as"},
						},
					},
				},
			},
			{
				Name: ifaceName,
				Properties: []introspect.Property{
					{Name: "ActiveProfile", Type: "s", Access: "readwrite"},
					{Name: "PerformanceInhibited", Type: "s", Access: "read"},
					{Name: "Profiles", Type: "aa{sv}", Access: "read"},
					{Name: "Actions", Type: "as", Access: "read"},
				},
			},
		},
	}
}
