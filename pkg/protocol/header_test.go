package protocol

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

func TestChecksumKnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE check value
	if got := Checksum([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("Checksum(123456789) = %#04x, want 0x29b1", got)
	}
}

// TestHeaderScenario encodes the minimal Data header and checks the exact bytes.
func TestHeaderScenario(t *testing.T) {
	h := Header{Type: PacketData, StreamID: 1, Sequence: 0, Flags: 0}
	enc := EncodeHeader(h)

	want := []byte{
		0x4C, 0x4C, // protocol id
		0x01,       // type
		0x00, 0x01, // stream
		0, 0, 0, 0, 0, 0, 0, 0, // sequence
		0, 0, 0, 0, 0, 0, 0, 0, // timestamp
		0x00, // flags
	}
	if !bytes.Equal(enc[:22], want) {
		t.Fatalf("header prefix = %x, want %x", enc[:22], want)
	}

	dec, err := DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if dec != h {
		t.Fatalf("decoded %+v, want %+v", dec, h)
	}
	again := EncodeHeader(dec)
	if again != enc {
		t.Fatal("re-encoding is not byte-identical")
	}
}

func TestHeaderRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		h := Header{
			Type:      PacketType(1 + rng.Intn(6)),
			StreamID:  uint16(rng.Intn(256)),
			Sequence:  rng.Uint64(),
			Timestamp: rng.Uint64(),
			Flags:     Flags(rng.Intn(256)),
		}
		enc := EncodeHeader(h)
		dec, err := DecodeHeader(enc[:])
		if err != nil {
			t.Fatalf("iteration %d: DecodeHeader failed: %v", i, err)
		}
		if dec != h {
			t.Fatalf("iteration %d: decoded %+v, want %+v", i, dec, h)
		}
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	valid := EncodeHeader(Header{Type: PacketAck, StreamID: 7, Sequence: 9})

	badID := valid
	badID[0] = 0x00

	badType := valid
	badType[2] = 0x07
	PutChecksum(badType[:])

	badSum := valid
	badSum[10] ^= 0xFF

	// Type and checksum both wrong: type is reported first.
	badBoth := valid
	badBoth[2] = 0x00

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", valid[:23], qerrors.ErrInsufficientData},
		{"empty", nil, qerrors.ErrInsufficientData},
		{"protocol id", badID[:], qerrors.ErrInvalidProtocolID},
		{"packet type", badType[:], qerrors.ErrUnknownPacketType},
		{"checksum", badSum[:], qerrors.ErrChecksumMismatch},
		{"type before checksum", badBoth[:], qerrors.ErrUnknownPacketType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("DecodeHeader error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPacketEncodeDecode(t *testing.T) {
	h := Header{Type: PacketData, StreamID: 3, Sequence: 77, Timestamp: Timestamp(time.Now()), Flags: FlagFIN | FlagPriority}
	payload := []byte("payload bytes")

	wire, err := Encode(h, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	p, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Header != h || !bytes.Equal(p.Payload, payload) {
		t.Fatalf("decoded packet mismatch: %+v", p.Header)
	}
	if !bytes.Equal(p.Raw[:], wire[:HeaderSize]) {
		t.Fatal("Raw does not hold the encoded header")
	}
	if !p.Header.Flags.Has(FlagFIN) || p.Header.Flags.Has(FlagRST) {
		t.Fatalf("flags = %08b", p.Header.Flags)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(Header{Type: PacketData}, make([]byte, constants.MaxPayloadSize+1))
	if !errors.Is(err, qerrors.ErrPacketTooLarge) {
		t.Fatalf("Encode error = %v, want ErrPacketTooLarge", err)
	}
	if _, err := Encode(Header{Type: PacketData}, make([]byte, constants.MaxPayloadSize)); err != nil {
		t.Fatalf("max-size packet rejected: %v", err)
	}
}

func TestCheckTimestamp(t *testing.T) {
	now := time.Now()
	tests := []struct {
		offset time.Duration
		ok     bool
	}{
		{0, true},
		{29 * time.Second, true},
		{-29 * time.Second, true},
		{31 * time.Second, false},
		{-31 * time.Second, false},
	}
	for _, tt := range tests {
		h := Header{Timestamp: Timestamp(now.Add(tt.offset))}
		err := h.CheckTimestamp(now, constants.MaxClockSkew)
		if (err == nil) != tt.ok {
			t.Errorf("offset %v: err = %v, want ok=%v", tt.offset, err, tt.ok)
		}
		if err != nil && !errors.Is(err, qerrors.ErrTimestampOutOfRange) {
			t.Errorf("offset %v: err = %v, want ErrTimestampOutOfRange", tt.offset, err)
		}
	}
}

func TestCheckTimestampFarFuture(t *testing.T) {
	now := time.Now()
	for _, ts := range []uint64{
		Timestamp(now.AddDate(400, 0, 0)),
		Timestamp(time.Date(2500, 1, 1, 0, 0, 0, 0, time.UTC)),
		1 << 62,
		math.MaxInt64,
		math.MaxInt64 + 1,
		math.MaxUint64,
		0,
	} {
		err := Header{Timestamp: ts}.CheckTimestamp(now, constants.MaxClockSkew)
		if !errors.Is(err, qerrors.ErrTimestampOutOfRange) {
			t.Errorf("timestamp %d: err = %v, want ErrTimestampOutOfRange", ts, err)
		}
	}
}

func TestPacketTypeControl(t *testing.T) {
	control := map[PacketType]bool{
		PacketData: false, PacketAck: false,
		PacketHandshakeInit: true, PacketHandshakeResponse: true,
		PacketKeepAlive: true, PacketDisconnect: true,
	}
	for pt, want := range control {
		if pt.IsControl() != want {
			t.Errorf("%s.IsControl() = %v, want %v", pt, pt.IsControl(), want)
		}
	}
	if PacketType(0).IsValid() || PacketType(7).IsValid() {
		t.Error("out-of-range packet types reported valid")
	}
}

func TestReservedFlagsPreserved(t *testing.T) {
	h := Header{Type: PacketData, Flags: FlagRST | 0x80}
	enc := EncodeHeader(h)
	dec, err := DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if dec.Flags.Reserved() != 0x80 {
		t.Fatalf("reserved bits = %08b, want 10000000", dec.Flags.Reserved())
	}
}
