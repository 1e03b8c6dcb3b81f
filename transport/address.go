package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// An Address is one entry of a DBus server address string, such as
// "unix:path=/run/dbus/system_bus_socket".
type Address struct {
	// Transport is the transport name, for example "unix".
	Transport string
	// Params are the transport's key=value parameters, with escapes
	// decoded.
	Params map[string]string
}

func (a Address) String() string {
	var ret strings.Builder
	ret.WriteString(a.Transport)
	ret.WriteByte(':')
	first := true
	for _, k := range []string{"path", "abstract", "guid"} {
		v, ok := a.Params[k]
		if !ok {
			continue
		}
		if !first {
			ret.WriteByte(',')
		}
		first = false
		ret.WriteString(k)
		ret.WriteByte('=')
		ret.WriteString(escapeAddressValue(v))
	}
	return ret.String()
}

// ParseAddresses parses a semicolon-separated list of DBus server
// addresses.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		name, params, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid dbus address %q: missing transport name", entry)
		}
		addr := Address{
			Transport: name,
			Params:    map[string]string{},
		}
		for _, kv := range strings.Split(params, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("invalid dbus address %q: malformed parameter %q", entry, kv)
			}
			uv, err := unescapeAddressValue(v)
			if err != nil {
				return nil, fmt.Errorf("invalid dbus address %q: %w", entry, err)
			}
			addr.Params[k] = uv
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, errors.New("empty dbus address")
	}
	return ret, nil
}

// DialAddress connects to the first reachable server listed in the
// DBus address string addr.
func DialAddress(ctx context.Context, addr string) (Transport, error) {
	addrs, err := ParseAddresses(addr)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range addrs {
		t, err := dialOne(ctx, a)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("dialing %s: %w", a, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func dialOne(ctx context.Context, a Address) (Transport, error) {
	if a.Transport != "unix" {
		return nil, fmt.Errorf("unsupported transport %q", a.Transport)
	}
	if p, ok := a.Params["path"]; ok {
		return DialUnix(ctx, p)
	}
	if p, ok := a.Params["abstract"]; ok {
		return DialUnix(ctx, "@"+p)
	}
	return nil, errors.New("unix address has neither path nor abstract parameter")
}

func isOptionallyEscaped(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_/.\\*", c) >= 0
}

func escapeAddressValue(s string) string {
	var ret strings.Builder
	for i := range len(s) {
		c := s[i]
		if isOptionallyEscaped(c) {
			ret.WriteByte(c)
		} else {
			fmt.Fprintf(&ret, "%%%02x", c)
		}
	}
	return ret.String()
}

func unescapeAddressValue(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var ret strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			ret.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape %q", s[i:i+3])
		}
		ret.WriteByte(hi<<4 | lo)
		i += 2
	}
	return ret.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
