package dbusrt_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/danderson/dbusrt"
	"github.com/google/go-cmp/cmp"
)

func TestMessageConstructors(t *testing.T) {
	call := pingMsg()
	if !call.IsMethodCall("org.example.Iface", "Ping") {
		t.Errorf("%v is not a Ping call", call)
	}
	if !call.HasPath("/org/example/Obj") || !call.HasDestination("org.example.Dest") || !call.HasMember("Ping") {
		t.Errorf("call has wrong header: %v", call)
	}
	if !call.WantReply() {
		t.Error("method call does not want a reply")
	}
	if err := call.SetNoReply(true); err != nil {
		t.Fatal(err)
	}
	if call.WantReply() {
		t.Error("no-reply method call wants a reply")
	}
	if diff := cmp.Diff(call.PathDecomposed(), []string{"org", "example", "Obj"}); diff != "" {
		t.Errorf("PathDecomposed wrong (-got+want):\n%s", diff)
	}
	call.SetSerial(12)
	call.SetSender(":1.5")

	ret := dbusrt.NewMethodReturn(call)
	if ret.ReplySerial() != 12 || ret.Destination() != ":1.5" || ret.Type() != dbusrt.MsgMethodReturn {
		t.Errorf("NewMethodReturn wrong header: %v", ret)
	}
	if err := ret.Err(); err != nil {
		t.Errorf("method return Err() = %v, want nil", err)
	}

	e := dbusrt.NewErrorf(call, "org.example.Error.Failed", "failed %d times", 3)
	if !e.IsError("org.example.Error.Failed") {
		t.Errorf("%v is not the expected error", e)
	}
	var ce dbusrt.CallError
	if !errors.As(e.Err(), &ce) {
		t.Fatalf("error Err() = %v, want CallError", e.Err())
	}
	if diff := cmp.Diff(ce, dbusrt.CallError{Name: "org.example.Error.Failed", Detail: "failed 3 times"}); diff != "" {
		t.Errorf("CallError wrong (-got+want):\n%s", diff)
	}

	sig := dbusrt.NewSignal("/a", "a.b", "C")
	if !sig.IsSignal("a.b", "C") || sig.IsMethodCall("a.b", "C") {
		t.Errorf("%v is not the expected signal", sig)
	}
	if sig.WantReply() {
		t.Error("signal wants a reply")
	}
}

func TestMessageLock(t *testing.T) {
	m := pingMsg()
	if err := m.AppendArgs("a", uint32(1)); err != nil {
		t.Fatal(err)
	}
	if m.Locked() {
		t.Fatal("new message is locked")
	}
	m.Lock()

	mutations := map[string]func() error{
		"SetPath":        func() error { return m.SetPath("/b") },
		"SetInterface":   func() error { return m.SetInterface("b.c") },
		"SetMember":      func() error { return m.SetMember("D") },
		"SetDestination": func() error { return m.SetDestination("e.f") },
		"SetSender":      func() error { return m.SetSender(":1.2") },
		"SetSerial":      func() error { return m.SetSerial(4) },
		"SetFlags":       func() error { return m.SetFlags(dbusrt.FlagNoAutoStart) },
		"AppendArgs":     func() error { return m.AppendArgs("x") },
	}
	for name, fn := range mutations {
		if err := fn(); !errors.Is(err, dbusrt.ErrLocked) {
			t.Errorf("%s on locked message: err = %v, want ErrLocked", name, err)
		}
	}
	if !m.HasPath("/org/example/Obj") || !m.HasSignature("su") {
		t.Errorf("locked message changed: %v", m)
	}

	cp := m.Copy()
	if cp.Locked() {
		t.Error("Copy() is locked")
	}
	if err := cp.SetMember("Other"); err != nil {
		t.Errorf("SetMember on copy got err: %v", err)
	}
	if m.Member() != "Ping" {
		t.Errorf("modifying copy changed original member to %q", m.Member())
	}
}

func TestMessageArgs(t *testing.T) {
	m := dbusrt.NewSignal("/a", "a.b", "C")
	if err := m.AppendArgs("x", []uint32{1, 2}, map[string]bool{"k": true}); err != nil {
		t.Fatal(err)
	}
	var (
		s  string
		us []uint32
		mp map[string]bool
	)
	if err := m.Args(&s, &us, &mp); err != nil {
		t.Fatal(err)
	}
	if s != "x" {
		t.Errorf("arg 0 = %q, want x", s)
	}
	if diff := cmp.Diff(us, []uint32{1, 2}); diff != "" {
		t.Errorf("arg 1 wrong (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(mp, map[string]bool{"k": true}); diff != "" {
		t.Errorf("arg 2 wrong (-got+want):\n%s", diff)
	}

	var a, b, c, d string
	if err := m.Args(&a, &b, &c, &d); !errors.Is(err, dbusrt.ErrTypeMismatch) {
		t.Errorf("Args with too many targets: err = %v, want ErrTypeMismatch", err)
	}
	if err := m.AppendArgs(1); err == nil {
		t.Error("AppendArgs(int) succeeded")
	}
	if !strings.Contains(m.String(), "member=C") {
		t.Errorf("String() = %q, missing member", m.String())
	}
}

func TestParseMessageType(t *testing.T) {
	for _, mt := range []dbusrt.MessageType{dbusrt.MsgMethodCall, dbusrt.MsgMethodReturn, dbusrt.MsgError, dbusrt.MsgSignal} {
		if got := dbusrt.ParseMessageType(mt.String()); got != mt {
			t.Errorf("ParseMessageType(%q) = %v, want %v", mt.String(), got, mt)
		}
	}
	if got := dbusrt.ParseMessageType("bogus"); got != dbusrt.MsgInvalid {
		t.Errorf("ParseMessageType(bogus) = %v, want invalid", got)
	}
	if got, want := dbusrt.MsgSignal.String(), "signal"; got != want {
		t.Errorf("MsgSignal.String() = %q, want %q", got, want)
	}
}
