package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"reflect"
	"testing"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return b
}

func TestClientHelloRoundTrip(t *testing.T) {
	codec := NewCodec()
	m := &ClientHello{
		Version:     constants.ProtocolVersion,
		Random:      randomBytes(t, 32),
		Curves:      constants.PreferredCurves,
		PostQuantum: true,
	}
	data, err := codec.EncodeClientHello(m)
	if err != nil {
		t.Fatalf("EncodeClientHello failed: %v", err)
	}
	if mt, _ := PeekMessageType(data); mt != MessageTypeClientHello {
		t.Fatalf("PeekMessageType = %s", mt)
	}
	got, err := codec.DecodeClientHello(data)
	if err != nil {
		t.Fatalf("DecodeClientHello failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("decoded %+v, want %+v", got, m)
	}
}

func TestServerChallengeRoundTrip(t *testing.T) {
	codec := NewCodec()
	m := &ServerChallenge{
		Random:     randomBytes(t, 32),
		Curve:      constants.CurveP256,
		Challenge:  randomBytes(t, 32),
		Difficulty: 12,
	}
	data, err := codec.EncodeServerChallenge(m)
	if err != nil {
		t.Fatalf("EncodeServerChallenge failed: %v", err)
	}
	got, err := codec.DecodeServerChallenge(data)
	if err != nil {
		t.Fatalf("DecodeServerChallenge failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("decoded %+v, want %+v", got, m)
	}
}

func TestClientProofRoundTrip(t *testing.T) {
	codec := NewCodec()
	for _, pq := range []bool{false, true} {
		m := &ClientProof{
			Solution:    123456,
			PublicKey:   randomBytes(t, 32),
			Timestamp:   1_700_000_000_000,
			IdentityKey: randomBytes(t, 32),
			Signature:   randomBytes(t, 64),
		}
		if pq {
			m.KEMPublicKey = randomBytes(t, constants.MLKEMPublicKeySize)
		}
		data, err := codec.EncodeClientProof(m)
		if err != nil {
			t.Fatalf("EncodeClientProof(pq=%v) failed: %v", pq, err)
		}
		got, err := codec.DecodeClientProof(data)
		if err != nil {
			t.Fatalf("DecodeClientProof(pq=%v) failed: %v", pq, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("pq=%v: decoded %+v, want %+v", pq, got, m)
		}
	}
}

func TestSessionEstablishedRoundTrip(t *testing.T) {
	codec := NewCodec()
	m := &SessionEstablished{
		PublicKey:     randomBytes(t, 97),
		SessionToken:  randomBytes(t, 16),
		KEMCiphertext: randomBytes(t, constants.MLKEMCiphertextSize),
		VerifyData:    randomBytes(t, 32),
	}
	data, err := codec.EncodeSessionEstablished(m)
	if err != nil {
		t.Fatalf("EncodeSessionEstablished failed: %v", err)
	}
	got, err := codec.DecodeSessionEstablished(data)
	if err != nil {
		t.Fatalf("DecodeSessionEstablished failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatal("decoded SessionEstablished mismatch")
	}
}

func TestDecodeMalformedMessages(t *testing.T) {
	codec := NewCodec()
	hello, _ := codec.EncodeClientHello(&ClientHello{
		Version: 1, Random: bytes.Repeat([]byte{1}, 32), Curves: []constants.Curve{constants.CurveX25519},
	})

	trailing := append(append([]byte(nil), hello...), 0x00)
	wrongType := append([]byte(nil), hello...)
	wrongType[0] = byte(MessageTypeClientProof)
	badBool := append([]byte(nil), hello...)
	badBool[MessageHeaderSize+2+32] = 2

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", hello[:len(hello)-1]},
		{"trailing byte", trailing},
		{"wrong type", wrongType},
		{"bad bool", badBool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodeClientHello(tt.data)
			var perr *qerrors.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("error = %v, want ProtocolError", err)
			}
		})
	}
}

func TestValidateRejectsBadSizes(t *testing.T) {
	codec := NewCodec()
	if _, err := codec.EncodeClientHello(&ClientHello{Random: make([]byte, 31), Curves: []constants.Curve{constants.CurveX25519}}); err == nil {
		t.Error("short random accepted")
	}
	if _, err := codec.EncodeServerChallenge(&ServerChallenge{
		Random: make([]byte, 32), Challenge: make([]byte, 32), Curve: constants.CurveX25519, Difficulty: 40,
	}); err == nil {
		t.Error("excessive difficulty accepted")
	}
	if _, err := codec.EncodeClientProof(&ClientProof{
		PublicKey: make([]byte, 32), KEMPublicKey: make([]byte, 10),
		IdentityKey: make([]byte, 32), Signature: make([]byte, 64),
	}); err == nil {
		t.Error("short KEM key accepted")
	}
}
