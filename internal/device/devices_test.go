package device

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListCaptureDevices_Order(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"pcmC2D0c", "pcmC0D1c", "pcmC0D0c", "pcmC10D3c", "pcmC0D0p", "controlC0", "seq"} {
		os.WriteFile(filepath.Join(dir, n), nil, 0644)
	}

	devices, err := ListCaptureDevices(dir)
	if err != nil {
		t.Fatalf("ListCaptureDevices failed: %v", err)
	}
	want := []string{"hw:0,0", "hw:0,1", "hw:2,0", "hw:10,3"}
	if len(devices) != len(want) {
		t.Fatalf("expected %d devices, got %d", len(want), len(devices))
	}
	for i, d := range devices {
		if d.ID != want[i] {
			t.Errorf("device %d: expected %s, got %s", i, want[i], d.ID)
		}
	}
	if devices[3].Node != "pcmC10D3c" {
		t.Errorf("expected node name kept, got %s", devices[3].Node)
	}
}

func TestListCaptureDevices_MissingDir(t *testing.T) {
	devices, err := ListCaptureDevices(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if devices == nil || len(devices) != 0 {
		t.Errorf("expected empty list, got %#v", devices)
	}
}

func TestEqual(t *testing.T) {
	a := []Device{{ID: "hw:0,0"}, {ID: "hw:1,0"}}
	b := []Device{{ID: "hw:0,0"}, {ID: "hw:1,0"}}
	if !Equal(a, b) {
		t.Error("expected equal lists")
	}
	if Equal(a, b[:1]) {
		t.Error("expected different lengths to differ")
	}
	b[1].Card = 1
	if Equal(a, b) {
		t.Error("expected differing element to differ")
	}
}
