package packet

import (
	"testing"
	"time"
)

func buildIPv4(dscp, proto uint8, src, dst [4]byte, srcPort, dstPort uint16) []byte {
	buf := make([]byte, 28)
	buf[0] = 0x45 // version 4, IHL 5 (20 bytes)
	buf[1] = dscp << 2
	buf[2] = 0
	buf[3] = 28
	buf[9] = proto
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	buf[20] = byte(srcPort >> 8)
	buf[21] = byte(srcPort)
	buf[22] = byte(dstPort >> 8)
	buf[23] = byte(dstPort)
	return buf
}

func TestDecodeParsesIPv4Header(t *testing.T) {
	wire := buildIPv4(46, ProtoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1234, 443)

	p, err := Decode("eth0", wire, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Parsed.DSCP != 46 {
		t.Errorf("DSCP = %d, want 46", p.Parsed.DSCP)
	}
	if p.Parsed.Protocol != ProtoTCP {
		t.Errorf("Protocol = %d, want %d", p.Parsed.Protocol, ProtoTCP)
	}
	if p.Parsed.SrcPort != 1234 || p.Parsed.DstPort != 443 {
		t.Errorf("ports = %d/%d, want 1234/443", p.Parsed.SrcPort, p.Parsed.DstPort)
	}
	if p.IngressInterface != "eth0" {
		t.Errorf("IngressInterface = %q, want eth0", p.IngressInterface)
	}
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := Decode("eth0", []byte{0x45, 0, 0, 0}, time.Now())
	if err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestDecodeRejectsNonIPv4(t *testing.T) {
	wire := buildIPv4(0, ProtoTCP, [4]byte{}, [4]byte{}, 0, 0)
	wire[0] = 0x65 // version 6
	_, err := Decode("eth0", wire, time.Now())
	if err == nil {
		t.Fatal("expected error for non-IPv4 version")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	wire := buildIPv4(10, ProtoUDP, [4]byte{192, 168, 1, 1}, [4]byte{192, 168, 1, 2}, 53, 5353)
	p, err := Decode("eth0", wire, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out := Encode(p)
	p2, err := Decode("eth0", out, time.Now())
	if err != nil {
		t.Fatalf("Decode(Encode(p)): %v", err)
	}
	if p2.Parsed != p.Parsed {
		t.Errorf("round trip mismatch: got %+v, want %+v", p2.Parsed, p.Parsed)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	wire := buildIPv4(0, ProtoTCP, [4]byte{1, 1, 1, 1}, [4]byte{2, 2, 2, 2}, 1, 2)
	p, err := Decode("eth0", wire, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	cp := p.Clone()
	cp.Wire[0] = 0xff
	if p.Wire[0] == 0xff {
		t.Fatal("Clone shares backing array with original")
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		dscp uint8
		want uint8
	}{
		{48, 1},
		{63, 1},
		{32, 2},
		{47, 2},
		{0, 3},
		{31, 3},
	}
	for _, tc := range tests {
		p := &Packet{Parsed: View{DSCP: tc.dscp}}
		if got := DefaultClassifier(p); got != tc.want {
			t.Errorf("DefaultClassifier(dscp=%d) = %d, want %d", tc.dscp, got, tc.want)
		}
	}
}

func TestNextIDMonotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	if b <= a {
		t.Errorf("NextID not monotonic: %d then %d", a, b)
	}
}
