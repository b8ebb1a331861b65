package device

import "testing"

func TestKey(t *testing.T) {
	a := New(TypeNPU, 0, 1)
	b := Info{Type: TypeNPU, NodeID: 0, DeviceID: 1}
	c := New(TypeCPU, 0, 1)

	if a.Key() != "0_0_1" {
		t.Fatalf("unexpected key %q", a.Key())
	}
	if !CoLocated(a, b) {
		t.Errorf("expected %v and %v to be co-located", a, b)
	}
	if CoLocated(a, c) {
		t.Errorf("expected %v and %v to be on different devices", a, c)
	}
}
