// selftest.go implements the startup self-test.
//
// The self-test verifies AES-256-GCM against a known answer, checks HKDF
// and ML-KEM consistency, and round-trips every non-empty layer combination
// including tamper detection. Servers run it once before accepting
// connections and refuse to start if it fails.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// Known-answer values for AES-256-GCM.
// Key: 0x0123456789abcdef... (32 bytes), nonce: zero, plaintext: "POST-KAT-TEST"
var (
	katAESKey, _       = hex.DecodeString("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	katAESNonce, _     = hex.DecodeString("000000000000000000000000")
	katAESPlaintext, _ = hex.DecodeString("504f53542d4b41542d54455354")
	katAESExpected, _  = hex.DecodeString("5a48b3005aeb1b0a8cd6767b8cded311eb6185c16343d286e3541e9d98")
)

// SelfTestResult reports the outcome of SelfTest.
type SelfTestResult struct {
	Passed       bool
	AESPassed    bool
	KDFPassed    bool
	MLKEMPassed  bool
	LayersPassed bool
	Errors       []string
}

// Err returns a non-nil error summarizing failures.
func (r *SelfTestResult) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("crypto self-test failed: %v", r.Errors)
}

// SelfTest runs all self-tests and returns the combined result.
func SelfTest() *SelfTestResult {
	r := &SelfTestResult{}
	record := func(name string, err error) bool {
		if err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", name, err))
			return false
		}
		return true
	}

	r.AESPassed = record("AES-GCM KAT", runAESGCMKAT())
	r.KDFPassed = record("HKDF", runKDFCheck())
	r.MLKEMPassed = record("ML-KEM", runMLKEMCheck())
	r.LayersPassed = record("layers", runLayerCheck())
	r.Passed = r.AESPassed && r.KDFPassed && r.MLKEMPassed && r.LayersPassed
	return r
}

func runAESGCMKAT() error {
	block, err := aes.NewCipher(katAESKey)
	if err != nil {
		return fmt.Errorf("NewCipher failed: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("NewGCM failed: %w", err)
	}

	ciphertext := aesgcm.Seal(nil, katAESNonce, katAESPlaintext, nil) //nolint:gosec // G407: fixed nonce is required for KAT
	if !bytes.Equal(ciphertext, katAESExpected) {
		return fmt.Errorf("encrypt mismatch: got %x, want %x", ciphertext, katAESExpected)
	}
	plaintext, err := aesgcm.Open(nil, katAESNonce, ciphertext, nil) //nolint:gosec // G407: fixed nonce is required for KAT
	if err != nil {
		return fmt.Errorf("decrypt failed: %w", err)
	}
	if !bytes.Equal(plaintext, katAESPlaintext) {
		return fmt.Errorf("decrypt mismatch")
	}
	return nil
}

func runKDFCheck() error {
	a, err := HKDF(katAESKey, katAESNonce, SubkeyLabel("selftest", "key"), 64)
	if err != nil {
		return err
	}
	b, err := HKDF(katAESKey, katAESNonce, SubkeyLabel("selftest", "key"), 64)
	if err != nil {
		return err
	}
	c, err := HKDF(katAESKey, katAESNonce, SubkeyLabel("selftest", "iv"), 64)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("non-deterministic output")
	}
	if bytes.Equal(a, c) {
		return fmt.Errorf("labels not separated")
	}
	return nil
}

func runMLKEMCheck() error {
	kp, err := GenerateMLKEMKeyPair()
	if err != nil {
		return err
	}
	defer kp.Zeroize()

	ek, err := ParseMLKEMPublicKey(kp.PublicKeyBytes())
	if err != nil {
		return err
	}
	ct, ss1, err := MLKEMEncapsulate(ek)
	if err != nil {
		return err
	}
	ss2, err := MLKEMDecapsulate(kp.DecapsulationKey, ct)
	if err != nil {
		return err
	}
	if !bytes.Equal(ss1, ss2) {
		return fmt.Errorf("shared secret mismatch after decapsulation")
	}
	return nil
}

func runLayerCheck() error {
	var keys LayerKeys
	for i, k := range []*LayerKey{&keys.ECC, &keys.HSEChaCha, &keys.HSEAES, &keys.QRL} {
		for j := range k.Key {
			k.Key[j] = byte(i*32 + j)
		}
		for j := range k.IV {
			k.IV[j] = byte(0xA0 + i*16 + j)
		}
	}
	nonce := make([]byte, 12)
	aad := []byte("selftest-aad")
	msg := []byte("layered self-test message")

	for set := LayerSet(1); set <= LayersAll; set++ {
		p, err := NewPipeline(set, &keys)
		if err != nil {
			return fmt.Errorf("%s: %w", set, err)
		}
		sealed, err := p.Seal(nonce, msg, aad)
		if err != nil {
			return fmt.Errorf("%s: seal: %w", set, err)
		}
		if len(sealed) != len(msg)+p.Overhead() {
			return fmt.Errorf("%s: overhead mismatch", set)
		}
		got, err := p.Open(nonce, sealed, aad)
		if err != nil || !bytes.Equal(got, msg) {
			return fmt.Errorf("%s: round trip failed", set)
		}
		sealed[0] ^= 0x01
		if _, err := p.Open(nonce, sealed, aad); err == nil {
			return fmt.Errorf("%s: tamper not detected", set)
		}
	}
	return nil
}
