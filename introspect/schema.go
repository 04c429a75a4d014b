// Package introspect implements the schema cache described in spec.md
// §4.4: it fetches and memoizes the interface description for a
// (peer, object-path) pair by parsing the minimal introspection XML
// subset a peer's org.freedesktop.DBus.Introspectable.Introspect method
// returns.
package introspect

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Arg is one method/signal argument: an optional name and a D-Bus type
// code string.
type Arg struct {
	Name string
	Type string
}

// Method is an ordered args list and an ordered returns list; an inout
// argument appears in both, per spec.md §3.
type Method struct {
	Name    string
	Args    []Arg
	Returns []Arg
}

// Access describes whether a property can be read, written, or both.
type Access string

const (
	AccessRead      Access = "read"
	AccessWrite     Access = "write"
	AccessReadWrite Access = "readwrite"
)

// Property is a (type, access) pair.
type Property struct {
	Name   string
	Type   string
	Access Access
}

// Signal is an ordered args list; signal args carry no direction.
type Signal struct {
	Name string
	Args []Arg
}

// Interface holds three ordered members: methods, properties, signals.
type Interface struct {
	Name       string
	Methods    []Method
	Properties []Property
	Signals    []Signal
}

// Method looks up a method by name.
func (i *Interface) Method(name string) (*Method, bool) {
	for idx := range i.Methods {
		if i.Methods[idx].Name == name {
			return &i.Methods[idx], true
		}
	}
	return nil, false
}

// Property looks up a property by name.
func (i *Interface) Property(name string) (*Property, bool) {
	for idx := range i.Properties {
		if i.Properties[idx].Name == name {
			return &i.Properties[idx], true
		}
	}
	return nil, false
}

// Signal looks up a signal by name.
func (i *Interface) Signal(name string) (*Signal, bool) {
	for idx := range i.Signals {
		if i.Signals[idx].Name == name {
			return &i.Signals[idx], true
		}
	}
	return nil, false
}

// Schema is the parsed introspection result for one (peer, path): an
// ordered set of interfaces plus the child node names under the
// queried path.
type Schema struct {
	Interfaces []Interface
	Nodes      []string
}

// Interface looks up an interface by name.
func (s *Schema) Interface(name string) (*Interface, bool) {
	for idx := range s.Interfaces {
		if s.Interfaces[idx].Name == name {
			return &s.Interfaces[idx], true
		}
	}
	return nil, false
}

// AddMethod appends a method to (creating, if needed) the named
// interface, building args/returns from parallel type-code slices —
// used by tests and by hand-built schemas, mirroring the constructive
// half of the original source's round-trip test.
func (s *Schema) AddMethod(iface, name string, argTypes, returnTypes []string) {
	m := Method{Name: name}
	for _, t := range argTypes {
		m.Args = append(m.Args, Arg{Type: t})
	}
	for _, t := range returnTypes {
		m.Returns = append(m.Returns, Arg{Type: t})
	}
	i := s.interfaceFor(iface)
	i.Methods = append(i.Methods, m)
}

// AddProperty appends a property to the named interface.
func (s *Schema) AddProperty(iface, name, typ string, access Access) {
	i := s.interfaceFor(iface)
	i.Properties = append(i.Properties, Property{Name: name, Type: typ, Access: access})
}

// AddSignal appends a signal to the named interface.
func (s *Schema) AddSignal(iface, name string, argTypes []string) {
	sig := Signal{Name: name}
	for _, t := range argTypes {
		sig.Args = append(sig.Args, Arg{Type: t})
	}
	i := s.interfaceFor(iface)
	i.Signals = append(i.Signals, sig)
}

func (s *Schema) interfaceFor(name string) *Interface {
	if i, ok := s.Interface(name); ok {
		return i
	}
	s.Interfaces = append(s.Interfaces, Interface{Name: name})
	return &s.Interfaces[len(s.Interfaces)-1]
}

// --- XML subset parsing ---

type rawArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

type rawMethod struct {
	Name string   `xml:"name,attr"`
	Args []rawArg `xml:"arg"`
}

type rawProperty struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type rawSignal struct {
	Name string   `xml:"name,attr"`
	Args []rawArg `xml:"arg"`
}

type rawInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []rawMethod   `xml:"method"`
	Properties []rawProperty `xml:"property"`
	Signals    []rawSignal   `xml:"signal"`
}

type rawNode struct {
	Name string `xml:"name,attr"`
}

type rawRoot struct {
	XMLName    xml.Name       `xml:"node"`
	Interfaces []rawInterface `xml:"interface"`
	Nodes      []rawNode      `xml:"node"`
}

// FromXML parses the introspection XML subset described in spec.md
// §4.4: a root <node> declaring <interface> children (each with
// <method>, <property>, <signal> elements) and <node name="…"/>
// children. Methods' <arg> elements default to direction "in" when the
// attribute is absent.
func FromXML(doc string) (*Schema, error) {
	var root rawRoot
	if err := xml.Unmarshal([]byte(doc), &root); err != nil {
		return nil, fmt.Errorf("introspect: parse: %w", err)
	}
	s := &Schema{}
	for _, ri := range root.Interfaces {
		iface := Interface{Name: ri.Name}
		for _, rm := range ri.Methods {
			m := Method{Name: rm.Name}
			for _, ra := range rm.Args {
				dir := ra.Direction
				if dir == "" {
					dir = "in"
				}
				if dir != "out" {
					m.Args = append(m.Args, Arg{Name: ra.Name, Type: ra.Type})
				}
				if dir != "in" {
					m.Returns = append(m.Returns, Arg{Name: ra.Name, Type: ra.Type})
				}
			}
			iface.Methods = append(iface.Methods, m)
		}
		for _, rp := range ri.Properties {
			iface.Properties = append(iface.Properties, Property{Name: rp.Name, Type: rp.Type, Access: Access(rp.Access)})
		}
		for _, rs := range ri.Signals {
			sig := Signal{Name: rs.Name}
			for _, ra := range rs.Args {
				sig.Args = append(sig.Args, Arg{Name: ra.Name, Type: ra.Type})
			}
			iface.Signals = append(iface.Signals, sig)
		}
		s.Interfaces = append(s.Interfaces, iface)
	}
	for _, rn := range root.Nodes {
		s.Nodes = append(s.Nodes, rn.Name)
	}
	return s, nil
}

// ToXML re-emits s as the introspection XML subset spec.md §4.4
// requires to round-trip: the same interfaces and members, in the same
// order, with the same attributes (attribute ordering within an
// element is not significant).
func (s *Schema) ToXML() string {
	var b strings.Builder
	b.WriteString("<?xml version='1.0' encoding='utf-8'?>\n<node>\n")
	for _, iface := range s.Interfaces {
		fmt.Fprintf(&b, "  <interface name=%q>\n", iface.Name)
		for _, m := range iface.Methods {
			if len(m.Args) == 0 && len(m.Returns) == 0 {
				fmt.Fprintf(&b, "    <method name=%q />\n", m.Name)
				continue
			}
			fmt.Fprintf(&b, "    <method name=%q>\n", m.Name)
			for _, a := range m.Args {
				writeArg(&b, a, "in", true)
			}
			// An inout arg appears in both Args and Returns, so it is
			// emitted twice (once "in", once "out"); that parses back to
			// the same Args and Returns.
			for _, a := range m.Returns {
				writeArg(&b, a, "out", true)
			}
			b.WriteString("    </method>\n")
		}
		for _, p := range iface.Properties {
			fmt.Fprintf(&b, "    <property name=%q type=%q access=%q />\n", p.Name, p.Type, p.Access)
		}
		for _, sig := range iface.Signals {
			if len(sig.Args) == 0 {
				fmt.Fprintf(&b, "    <signal name=%q />\n", sig.Name)
				continue
			}
			fmt.Fprintf(&b, "    <signal name=%q>\n", sig.Name)
			for _, a := range sig.Args {
				writeArg(&b, a, "", false)
			}
			b.WriteString("    </signal>\n")
		}
		b.WriteString("  </interface>\n")
	}
	for _, n := range s.Nodes {
		fmt.Fprintf(&b, "  <node name=%q />\n", n)
	}
	b.WriteString("</node>")
	return b.String()
}

func writeArg(b *strings.Builder, a Arg, direction string, withDirection bool) {
	b.WriteString("      <arg")
	if a.Name != "" {
		fmt.Fprintf(b, " name=%q", a.Name)
	}
	if withDirection {
		fmt.Fprintf(b, " direction=%q", direction)
	}
	fmt.Fprintf(b, " type=%q />\n", a.Type)
}
