package iiod

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
)

// Context is the parsed iiod context description.
type Context struct {
	XMLName      xml.Name           `xml:"context"`
	Name         string             `xml:"name,attr"`
	Description  string             `xml:"description,attr"`
	VersionMajor string             `xml:"version-major,attr"`
	VersionMinor string             `xml:"version-minor,attr"`
	Attributes   []ContextAttribute `xml:"context-attribute"`
	Devices      []Device           `xml:"device"`
}

// ContextAttribute is a key/value pair describing the context (hardware
// model, serial number, firmware).
type ContextAttribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Device is one IIO device.
type Device struct {
	ID         string      `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	Label      string      `xml:"label,attr"`
	Channels   []Channel   `xml:"channel"`
	Attributes []Attribute `xml:"attribute"`
}

// Channel is one IIO channel.
type Channel struct {
	ID         string      `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	Type       string      `xml:"type,attr"`
	Attributes []Attribute `xml:"attribute"`
}

// Attribute names a readable or writable attribute.
type Attribute struct {
	Name     string `xml:"name,attr"`
	Filename string `xml:"filename,attr"`
}

// ParseContext decodes the XML returned by PRINT. Leading bytes before the
// first '<' are ignored; some firmware emits a stray newline or BOM.
func ParseContext(raw []byte) (*Context, error) {
	if i := bytes.IndexByte(raw, '<'); i > 0 {
		raw = raw[i:]
	}
	var c Context
	if err := xml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse iiod context: %w", err)
	}
	return &c, nil
}

// Attr returns the value of a context attribute.
func (c *Context) Attr(name string) (string, bool) {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Device looks a device up by id, name or label.
func (c *Context) Device(key string) (*Device, bool) {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == key || d.Name == key || (d.Label != "" && d.Label == key) {
			return d, true
		}
	}
	return nil, false
}

// Ref is how the device is addressed in READ and WRITE commands.
func (d *Device) Ref() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Name
}

// DisplayName prefers the driver name over the numeric id.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// HasAttr reports whether the device exposes a device-level attribute.
func (d *Device) HasAttr(name string) bool {
	for _, a := range d.Attributes {
		if a.Name == name {
			return true
		}
	}
	return false
}

// AttrNames returns the device-level attribute names, sorted.
func (d *Device) AttrNames() []string {
	names := make([]string, 0, len(d.Attributes))
	for _, a := range d.Attributes {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}
