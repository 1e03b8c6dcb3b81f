package dbusrt_test

import (
	"github.com/danderson/dbusrt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// cmpValues compares DBus values structurally, so that dicts compare
// without regard to entry order.
var cmpValues = cmp.Options{
	cmp.Comparer(dbusrt.Equal),
	cmp.Comparer(func(a, b dbusrt.Type) bool { return a == b }),
	cmpopts.IgnoreFields(dbusrt.Header{}, "Order"),
}

func strs(vs ...string) []dbusrt.Value {
	ret := make([]dbusrt.Value, len(vs))
	for i, v := range vs {
		ret[i] = dbusrt.String(v)
	}
	return ret
}

// cmpIgnoreWireFields ignores the header fields that only a decoded
// message carries.
var cmpIgnoreWireFields = cmpopts.IgnoreFields(dbusrt.Header{}, "BodyLength", "Signature", "UnixFDs")
