package protocol

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	seed := EncodeHeader(Header{Type: PacketData, StreamID: 1, Sequence: 42, Timestamp: 1})
	f.Add(seed[:])
	f.Add(append(seed[:], []byte("payload")...))
	f.Add([]byte{0x4C, 0x4C})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(data)
		if err != nil {
			return
		}
		// Anything accepted must re-encode to the same bytes.
		again, err := Encode(p.Header, p.Payload)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(again, data) {
			t.Fatalf("re-encode mismatch:\n got %x\nwant %x", again, data)
		}
	})
}

func FuzzDecodeFrames(f *testing.F) {
	f.Add(EncodeFrames(WindowUpdateFrame(1, 100), Frame{Type: FrameKeyUpdateRequest}))
	f.Add([]byte{0x02, 0x00, 0x28})

	f.Fuzz(func(t *testing.T, data []byte) {
		frames, err := DecodeFrames(data)
		if err != nil {
			return
		}
		if !bytes.Equal(EncodeFrames(frames...), data) {
			t.Fatal("frames did not re-encode identically")
		}
	})
}

func FuzzDecodeClientProof(f *testing.F) {
	codec := NewCodec()
	seed, _ := codec.EncodeClientProof(&ClientProof{
		PublicKey: make([]byte, 32), IdentityKey: make([]byte, 32), Signature: make([]byte, 64),
	})
	f.Add(seed)

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = codec.DecodeClientProof(data)
	})
}
