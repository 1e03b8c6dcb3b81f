package dbusrt

import (
	"strings"
)

// ObjectPath is the path of an object on the bus, such as
// "/org/freedesktop/DBus".
type ObjectPath string

// Valid reports whether p is a syntactically valid object path.
func (p ObjectPath) Valid() bool {
	s := string(p)
	if s == "" || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if s[len(s)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for i := range len(elem) {
			c := elem[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Clean returns p with duplicate and trailing slashes removed. The
// result is not necessarily Valid, if p contains characters that
// are not permitted in object paths.
func (p ObjectPath) Clean() ObjectPath {
	parts := p.Decompose()
	if len(parts) == 0 {
		return "/"
	}
	return ObjectPath("/" + strings.Join(parts, "/"))
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

// Decompose returns the path's elements. The root path decomposes
// to an empty slice.
func (p ObjectPath) Decompose() []string {
	var ret []string
	for _, elem := range strings.Split(string(p), "/") {
		if elem != "" {
			ret = append(ret, elem)
		}
	}
	return ret
}

func (p ObjectPath) String() string {
	return string(p)
}
