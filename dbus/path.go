package dbus

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ObjectPath is the path of an object on a DBus peer, such as
// "/org/freedesktop/DBus".
type ObjectPath string

func (p ObjectPath) String() string { return string(p) }

// Valid reports whether p is a syntactically valid object path.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not start with /", s)
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("object path %q has a trailing /", s)
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has an empty element", s)
		}
		for _, c := range elem {
			if !isNameChar(c) {
				return fmt.Errorf("object path %q contains invalid character %q", s, c)
			}
		}
	}
	return nil
}

// Clean returns the shortest path equivalent to p, with any trailing
// slash removed.
func (p ObjectPath) Clean() ObjectPath {
	if p == "" {
		return "/"
	}
	return ObjectPath(path.Clean(string(p)))
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if p == parent {
		return false
	}
	if parent == "/" {
		return strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// Child returns the path of the child object name under p.
func (p ObjectPath) Child(name string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + name)
	}
	return ObjectPath(string(p) + "/" + name)
}

func isNameChar(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

const maxNameLen = 255

// validInterfaceName reports whether name is a valid interface or
// error name.
func validInterfaceName(name string) error {
	if name == "" {
		return errors.New("empty interface name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("interface name %q is longer than %d bytes", name, maxNameLen)
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return fmt.Errorf("interface name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if elem == "" {
			return fmt.Errorf("interface name %q has an empty element", name)
		}
		if elem[0] >= '0' && elem[0] <= '9' {
			return fmt.Errorf("interface name %q has an element starting with a digit", name)
		}
		for _, c := range elem {
			if !isNameChar(c) {
				return fmt.Errorf("interface name %q contains invalid character %q", name, c)
			}
		}
	}
	return nil
}

// validMemberName reports whether name is a valid method or signal
// name.
func validMemberName(name string) error {
	if name == "" {
		return errors.New("empty member name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("member name %q is longer than %d bytes", name, maxNameLen)
	}
	if name[0] >= '0' && name[0] <= '9' {
		return fmt.Errorf("member name %q starts with a digit", name)
	}
	for _, c := range name {
		if !isNameChar(c) {
			return fmt.Errorf("member name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

// ValidBusName reports whether name is a valid unique or well-known
// bus name.
func ValidBusName(name string) error {
	if name == "" {
		return errors.New("empty bus name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("bus name %q is longer than %d bytes", name, maxNameLen)
	}
	unique := strings.HasPrefix(name, ":")
	elems := strings.Split(strings.TrimPrefix(name, ":"), ".")
	if len(elems) < 2 {
		return fmt.Errorf("bus name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if elem == "" {
			return fmt.Errorf("bus name %q has an empty element", name)
		}
		if !unique && elem[0] >= '0' && elem[0] <= '9' {
			return fmt.Errorf("bus name %q has an element starting with a digit", name)
		}
		for _, c := range elem {
			if !isNameChar(c) && c != '-' {
				return fmt.Errorf("bus name %q contains invalid character %q", name, c)
			}
		}
	}
	return nil
}

// isUniqueName reports whether name is a unique connection name
// assigned by the bus, rather than a well-known name.
func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}
