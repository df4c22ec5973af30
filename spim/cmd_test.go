package spim

import "testing"

func TestOpcodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  Cmd
		want Opcode
	}{
		{"Config", Config(true, false, 4), OpConfig},
		{"StartXfer", StartXfer(1), OpStartXfer},
		{"SendCmd", SendCmd(ModeStandard, 8, 0x9f<<24), OpSendCmd},
		{"SendAddr", SendAddr(ModeQuad, 24), OpSendAddr},
		{"Dummy", Dummy(8), OpDummy},
		{"WaitCycles", WaitCycles(100), OpWait},
		{"WaitEvent", WaitEvent(2), OpWait},
		{"TxData", TxData(ModeStandard, 1, 8, LittleEndian, 256), OpTxData},
		{"RxData", RxData(ModeQuad, 4, 8, BigEndian, 256), OpRxData},
		{"RepeatNextCmd", RepeatNextCmd(10), OpRepeatNextCmd},
		{"EndXfer", EndXfer(true), OpEndXfer},
		{"EndRepeat", EndRepeat(), OpEndRepeat},
		{"RxCheck", RxCheck(ModeStandard, true, CheckOnlyOnes, 8, 0xff), OpRxCheck},
		{"FullDuplex", FullDuplex(1, 8, LittleEndian, 64), OpFullDuplex},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.cmd.Opcode(); got != c.want {
				t.Fatalf("Opcode() = %d, want %d (word=%#08x)", got, c.want, uint32(c.cmd))
			}
		})
	}
}

func TestSendCmdEncodesCommandByte(t *testing.T) {
	c := SendCmd(ModeStandard, 8, 0x9f<<24)
	got := byte((uint32(c) >> 16) & 0xff)
	if got != 0x9f {
		t.Fatalf("command byte = %#x, want 0x9f", got)
	}
}

func TestWaitEventSetsEventBit(t *testing.T) {
	c := WaitEvent(5)
	if (uint32(c)>>20)&1 != 1 {
		t.Fatalf("WaitEvent: event bit not set in %#08x", uint32(c))
	}
	if uint32(c)&0xff != 5 {
		t.Fatalf("WaitEvent: channel = %d, want 5", uint32(c)&0xff)
	}
}

func TestEndXferEventFlag(t *testing.T) {
	if uint32(EndXfer(true))&1 != 1 {
		t.Fatal("EndXfer(true): event-generate bit not set")
	}
	if uint32(EndXfer(false))&1 != 0 {
		t.Fatal("EndXfer(false): event-generate bit unexpectedly set")
	}
}

func TestConfigPolarityPhase(t *testing.T) {
	c := Config(true, true, 7)
	w := uint32(c)
	if (w>>27)&1 != 1 {
		t.Fatal("Config: polarity bit not set")
	}
	if (w>>26)&1 != 1 {
		t.Fatal("Config: phase bit not set")
	}
	if w&0xff != 7 {
		t.Fatalf("Config: divider = %d, want 7", w&0xff)
	}
}
