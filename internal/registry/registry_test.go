package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	reg, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return reg, path
}

func TestNew(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if reg == nil {
		t.Fatal("Registry is nil")
	}
}

func TestNew_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(path); err == nil {
		t.Error("Expected error for corrupt registry file")
	}
}

func TestGetPrinterID(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id1, err := reg.GetPrinterID(0x0B1B, 0x0003, "Bematech MP-4200 TH")
	if err != nil {
		t.Fatalf("Failed to save registry: %v", err)
	}
	if id1 == "" {
		t.Error("Expected non-empty printer ID")
	}

	id2, _ := reg.GetPrinterID(0x0B1B, 0x0003, "Bematech MP-4200 TH")
	if id1 != id2 {
		t.Errorf("Expected same ID for same printer: %s != %s", id1, id2)
	}

	id3, _ := reg.GetPrinterID(0x04B8, 0x0E15, "Epson TM-T20")
	if id3 == id1 {
		t.Error("Expected different IDs for different printers")
	}
}

func TestSetPrinterName(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, _ := reg.GetPrinterID(0x04B8, 0x0E15, "Epson TM-T20")

	ok, err := reg.SetPrinterName(id, "Balcao")
	if !ok || err != nil {
		t.Fatalf("Expected name to be set, got ok=%v err=%v", ok, err)
	}
	if name := reg.GetPrinterName(id); name != "Balcao" {
		t.Errorf("Expected name 'Balcao', got '%s'", name)
	}

	ok, _ = reg.SetPrinterName("missing", "x")
	if ok {
		t.Error("Expected false for unknown printer")
	}
}

func TestPersistence(t *testing.T) {
	reg, path := newTestRegistry(t)

	id, _ := reg.GetPrinterID(0x0B1B, 0x0001, "Bematech")
	reg.SetPrinterName(id, "Oficina")
	if err := reg.Set("usb_permission_b1b_1", "true"); err != nil {
		t.Fatalf("Failed to set setting: %v", err)
	}

	reg2, err := New(path)
	if err != nil {
		t.Fatalf("Failed to reload registry: %v", err)
	}

	if id2, _ := reg2.GetPrinterID(0x0B1B, 0x0001, "Bematech"); id2 != id {
		t.Errorf("Expected ID to persist: %s != %s", id, id2)
	}
	if name := reg2.GetPrinterName(id); name != "Oficina" {
		t.Errorf("Expected persisted name 'Oficina', got '%s'", name)
	}
	if v, ok := reg2.Get("usb_permission_b1b_1"); !ok || v != "true" {
		t.Errorf("Expected persisted setting, got %q (ok=%v)", v, ok)
	}
}

func TestSettings(t *testing.T) {
	reg, _ := newTestRegistry(t)

	reg.Set("usb_permission_4b8_e15", "true")
	reg.Set("usb_permission_b1b_1", "true")
	reg.Set("printer_config", "{}")

	keys := reg.Keys("usb_permission_")
	if len(keys) != 2 {
		t.Fatalf("Expected 2 permission keys, got %v", keys)
	}
	if keys[0] != "usb_permission_4b8_e15" {
		t.Errorf("Expected sorted keys, got %v", keys)
	}

	if err := reg.Delete("usb_permission_4b8_e15"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, ok := reg.Get("usb_permission_4b8_e15"); ok {
		t.Error("Expected key to be deleted")
	}
	if err := reg.Delete("never_set"); err != nil {
		t.Errorf("Expected no error deleting missing key, got %v", err)
	}
}

func TestRemovePrinter(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, _ := reg.GetPrinterID(0x0519, 0x0001, "Star TSP100")
	if ok, _ := reg.RemovePrinter(id); !ok {
		t.Fatal("Expected printer to be removed")
	}
	if reg.GetPrinterInfo(id) != nil {
		t.Error("Expected printer info to be gone")
	}
	if len(reg.GetAll()) != 0 {
		t.Error("Expected empty registry")
	}
}
