package vhci

import "testing"

func TestNewPortTableStartsUnaddressed(t *testing.T) {
	pt := NewPortTable(4)
	if pt.Count() != 4 {
		t.Fatalf("Count() = %d; want 4", pt.Count())
	}
	for port := 1; port <= 4; port++ {
		addr, err := pt.AddressOf(port)
		if err != nil {
			t.Fatalf("AddressOf(%d): %v", port, err)
		}
		if addr != UnsetAddress {
			t.Errorf("AddressOf(%d) = %#x; want UnsetAddress", port, addr)
		}
	}
}

func TestPortTableOutOfRange(t *testing.T) {
	pt := NewPortTable(2)
	if _, err := pt.Snapshot(0); err == nil {
		t.Error("Snapshot(0): want error")
	}
	if _, err := pt.Snapshot(3); err == nil {
		t.Error("Snapshot(3): want error (only 2 ports)")
	}
}

func TestPortTableUpdateReturnsTriggers(t *testing.T) {
	pt := NewPortTable(1)
	triggers, err := pt.Update(1, PortStatus{Status: PortStatPower})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !triggers.PowerOn() {
		t.Errorf("Update triggers = %v; want PowerOn", triggers)
	}
	got, err := pt.Snapshot(1)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got.Status != PortStatPower {
		t.Errorf("Snapshot after Update = %+v; want Status=PortStatPower", got)
	}
}

func TestSetAddressAndPortOfRoundTrip(t *testing.T) {
	pt := NewPortTable(4)
	if err := pt.SetAddress(2, 0x05); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	port, err := pt.PortOf(0x05)
	if err != nil {
		t.Fatalf("PortOf: %v", err)
	}
	if port != 2 {
		t.Errorf("PortOf(0x05) = %d; want 2", port)
	}
}

func TestPortOfNoMatchReturnsZero(t *testing.T) {
	pt := NewPortTable(2)
	port, err := pt.PortOf(0x10)
	if err != nil {
		t.Fatalf("PortOf: %v", err)
	}
	if port != 0 {
		t.Errorf("PortOf(unbound) = %d; want 0", port)
	}
}

func TestSetAddressRejectsOutOfRange(t *testing.T) {
	pt := NewPortTable(1)
	if err := pt.SetAddress(1, 0x80); err == nil {
		t.Error("SetAddress(0x80): want error (>0x7f)")
	}
}

func TestOnConnectionChangeClearsAddress(t *testing.T) {
	pt := NewPortTable(1)
	if err := pt.SetAddress(1, 0x12); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if err := pt.OnConnectionChange(1); err != nil {
		t.Fatalf("OnConnectionChange: %v", err)
	}
	addr, _ := pt.AddressOf(1)
	if addr != UnsetAddress {
		t.Errorf("AddressOf after OnConnectionChange = %#x; want UnsetAddress", addr)
	}
}

func TestOnResetCompleteEnabledSetsDefaultAddress(t *testing.T) {
	pt := NewPortTable(1)
	if err := pt.SetAddress(1, 0x12); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if err := pt.OnResetCompleteEnabled(1); err != nil {
		t.Fatalf("OnResetCompleteEnabled: %v", err)
	}
	addr, _ := pt.AddressOf(1)
	if addr != 0 {
		t.Errorf("AddressOf after reset = %#x; want 0", addr)
	}
}
