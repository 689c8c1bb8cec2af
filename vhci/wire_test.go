package vhci

import "testing"

func TestComputeTriggers(t *testing.T) {
	for _, tc := range []struct {
		name string
		prev PortStatus
		cur  PortStatus
		want Triggers
	}{
		{
			name: "power on",
			prev: PortStatus{},
			cur:  PortStatus{Status: PortStatPower},
			want: TriggerPowerOn,
		},
		{
			name: "power off",
			prev: PortStatus{Status: PortStatPower},
			cur:  PortStatus{},
			want: TriggerPowerOff,
		},
		{
			name: "disable",
			prev: PortStatus{Status: PortStatEnable},
			cur:  PortStatus{},
			want: TriggerDisable,
		},
		{
			name: "no disable when already disabled",
			prev: PortStatus{},
			cur:  PortStatus{},
			want: 0,
		},
		{
			name: "suspend edge",
			prev: PortStatus{},
			cur:  PortStatus{Status: PortStatSuspend},
			want: TriggerSuspend,
		},
		{
			name: "resuming edge",
			prev: PortStatus{},
			cur:  PortStatus{Flags: PortFlagResuming},
			want: TriggerResuming,
		},
		{
			name: "reset edge",
			prev: PortStatus{},
			cur:  PortStatus{Status: PortStatReset},
			want: TriggerReset,
		},
		{
			name: "power and reset together",
			prev: PortStatus{},
			cur:  PortStatus{Status: PortStatPower | PortStatReset},
			want: TriggerPowerOn | TriggerReset,
		},
		{
			name: "no spurious triggers on identical snapshot",
			prev: PortStatus{Status: PortStatConnection | PortStatPower | PortStatEnable},
			cur:  PortStatus{Status: PortStatConnection | PortStatPower | PortStatEnable},
			want: 0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeTriggers(tc.prev, tc.cur)
			if got != tc.want {
				t.Errorf("ComputeTriggers(%+v, %+v) = %v; want %v", tc.prev, tc.cur, got, tc.want)
			}
		})
	}
}

// TestComputeTriggersExhaustive checks every combination of the relevant
// status bits against the boolean-AND definition of each edge rule
// directly, rather than against a handful of examples.
func TestComputeTriggersExhaustive(t *testing.T) {
	bits := []uint16{PortStatEnable, PortStatSuspend, PortStatReset, PortStatPower}
	for prevMask := uint16(0); prevMask < 1<<len(bits); prevMask++ {
		for curMask := uint16(0); curMask < 1<<len(bits); curMask++ {
			prev := maskToStatus(bits, prevMask)
			cur := maskToStatus(bits, curMask)
			got := ComputeTriggers(prev, cur)

			wantDisable := prev.Enable() && !cur.Enable()
			wantSuspend := !prev.Suspend() && cur.Suspend()
			wantReset := !prev.Reset() && cur.Reset()
			wantPowerOn := !prev.Power() && cur.Power()
			wantPowerOff := prev.Power() && !cur.Power()

			if got.Disable() != wantDisable {
				t.Fatalf("disable mismatch prev=%v cur=%v", prev, cur)
			}
			if got.Suspend() != wantSuspend {
				t.Fatalf("suspend mismatch prev=%v cur=%v", prev, cur)
			}
			if got.Reset() != wantReset {
				t.Fatalf("reset mismatch prev=%v cur=%v", prev, cur)
			}
			if got.PowerOn() != wantPowerOn {
				t.Fatalf("power_on mismatch prev=%v cur=%v", prev, cur)
			}
			if got.PowerOff() != wantPowerOff {
				t.Fatalf("power_off mismatch prev=%v cur=%v", prev, cur)
			}
			if wantPowerOn && wantPowerOff {
				t.Fatalf("power_on and power_off both true: impossible")
			}
		}
	}
}

func maskToStatus(bits []uint16, mask uint16) PortStatus {
	var s PortStatus
	for i, b := range bits {
		if mask&(1<<i) != 0 {
			s.Status |= b
		}
	}
	return s
}
