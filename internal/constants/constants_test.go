package constants

import "testing"

func TestCurveString(t *testing.T) {
	tests := []struct {
		curve Curve
		want  string
	}{
		{CurveX25519, "X25519"},
		{CurveP256, "P-256"},
		{CurveP384, "P-384"},
		{Curve(0x9999), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.curve.String(); got != tt.want {
			t.Errorf("Curve(%#04x).String() = %q, want %q", uint16(tt.curve), got, tt.want)
		}
	}
}

func TestCurveIsSupported(t *testing.T) {
	for _, c := range PreferredCurves {
		if !c.IsSupported() {
			t.Errorf("preferred curve %s not supported", c)
		}
	}
	if Curve(0).IsSupported() {
		t.Error("curve 0 should not be supported")
	}
}

func TestWireConstants(t *testing.T) {
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"HeaderSize", HeaderSize, 24},
		{"MaxPacketSize", MaxPacketSize, 65536},
		{"MaxPayloadSize", MaxPayloadSize, 65512},
		{"InnerPayloadFixedSize", InnerPayloadFixedSize, 20},
		{"MaxStreams", MaxStreams, 256},
		{"DefaultWindowSize", DefaultWindowSize, 256 * 1024},
		{"MaxWindowSize", MaxWindowSize, 16 * 1024 * 1024},
		{"ReplayWindowSize", ReplayWindowSize, 64},
		{"DefaultRotationBytes", DefaultRotationBytes, 5 * 1024 * 1024},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}

	if ProtocolID != 0x4C4C {
		t.Errorf("ProtocolID = %#04x, want 0x4C4C", ProtocolID)
	}
}

func TestRotationIntervalBounds(t *testing.T) {
	if DefaultRotationInterval < MinRotationInterval || DefaultRotationInterval > MaxRotationInterval {
		t.Errorf("DefaultRotationInterval %v outside [%v, %v]",
			DefaultRotationInterval, MinRotationInterval, MaxRotationInterval)
	}
	if MinRTO >= InitialRTO || InitialRTO >= MaxRTO {
		t.Errorf("RTO bounds out of order: min=%v initial=%v max=%v", MinRTO, InitialRTO, MaxRTO)
	}
}
