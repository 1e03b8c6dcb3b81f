package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/danderson/dbusrt"
	"github.com/kr/pretty"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

// splitMember splits "org.example.Iface.Method" into interface and
// member names.
func splitMember(s string) (iface, member string, err error) {
	idx := strings.LastIndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("%q is not of the form interface.member", s)
	}
	return s[:idx], s[idx+1:], nil
}

// parseArgs converts command line strings to values of the basic
// types listed in sig.
func parseArgs(sig string, args []string) ([]dbusrt.Value, error) {
	types, err := dbusrt.ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(types) != len(args) {
		return nil, fmt.Errorf("signature %q wants %d arguments, got %d", sig, len(types), len(args))
	}
	ret := make([]dbusrt.Value, 0, len(args))
	for i, t := range types {
		v, err := parseArg(t, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func parseArg(t dbusrt.Type, s string) (dbusrt.Value, error) {
	parseInt := func(bits int) (int64, error) { return strconv.ParseInt(s, 0, bits) }
	parseUint := func(bits int) (uint64, error) { return strconv.ParseUint(s, 0, bits) }

	switch t.Kind() {
	case dbusrt.KindString:
		return dbusrt.String(s), nil
	case dbusrt.KindObjectPath:
		return dbusrt.ObjectPath(s), nil
	case dbusrt.KindSignature:
		return dbusrt.Signature(s), nil
	case dbusrt.KindBool:
		b, err := strconv.ParseBool(s)
		return dbusrt.Bool(b), err
	case dbusrt.KindByte:
		u, err := parseUint(8)
		return dbusrt.Byte(u), err
	case dbusrt.KindInt16:
		n, err := parseInt(16)
		return dbusrt.Int16(n), err
	case dbusrt.KindUint16:
		u, err := parseUint(16)
		return dbusrt.Uint16(u), err
	case dbusrt.KindInt32:
		n, err := parseInt(32)
		return dbusrt.Int32(n), err
	case dbusrt.KindUint32:
		u, err := parseUint(32)
		return dbusrt.Uint32(u), err
	case dbusrt.KindInt64:
		n, err := parseInt(64)
		return dbusrt.Int64(n), err
	case dbusrt.KindUint64:
		u, err := parseUint(64)
		return dbusrt.Uint64(u), err
	case dbusrt.KindDouble:
		f, err := strconv.ParseFloat(s, 64)
		return dbusrt.Double(f), err
	default:
		return nil, fmt.Errorf("cannot parse %s from the command line", t)
	}
}

// printMessage writes a human readable dump of m to stdout.
func printMessage(w *indenter, m *dbusrt.Message) {
	hdr := m.Header()
	w.f("%s serial=%d", hdr.Type, hdr.Serial)
	w.indent(1)
	defer w.indent(0)
	if hdr.Sender != "" {
		w.f("sender: %s", hdr.Sender)
	}
	if hdr.Destination != "" {
		w.f("destination: %s", hdr.Destination)
	}
	if hdr.Path != "" {
		w.f("path: %s", hdr.Path)
	}
	if hdr.Interface != "" || hdr.Member != "" {
		w.f("member: %s.%s", hdr.Interface, hdr.Member)
	}
	if hdr.ErrorName != "" {
		w.f("error: %s", hdr.ErrorName)
	}
	if hdr.ReplySerial != 0 {
		w.f("reply_serial: %d", hdr.ReplySerial)
	}
	if hdr.Flags != 0 {
		w.f("flags: %#02x", byte(hdr.Flags))
	}
	for _, f := range hdr.Unknown {
		w.f("field %d: %v", f.Code, f.Value)
	}
	if hdr.Signature != "" {
		w.f("signature: %s", hdr.Signature)
	}
	for i, v := range m.Body() {
		w.f("[%d] %# v", i, formatValue(v))
	}
}

// formatValue returns a pretty printer for v, with DBus containers
// flattened into plain Go slices and maps.
func formatValue(v dbusrt.Value) fmt.Formatter {
	return pretty.Formatter(plain(v))
}

func plain(v dbusrt.Value) any {
	switch v := v.(type) {
	case dbusrt.Array:
		ret := make([]any, 0, len(v.Items))
		for _, it := range v.Items {
			ret = append(ret, plain(it))
		}
		return ret
	case dbusrt.Struct:
		ret := make([]any, 0, len(v.Fields))
		for _, f := range v.Fields {
			ret = append(ret, plain(f))
		}
		return ret
	case dbusrt.Dict:
		ret := make(map[any]any, len(v.Entries))
		for _, e := range v.Entries {
			ret[plain(e.Key)] = plain(e.Value)
		}
		return ret
	case dbusrt.DictEntry:
		return [2]any{plain(v.Key), plain(v.Value)}
	case dbusrt.Variant:
		return plain(v.Value)
	default:
		return v
	}
}
