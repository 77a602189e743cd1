package main

import (
	"fmt"

	"github.com/lostlove-net/llp/pkg/crypto"
)

func selftestCommand() error {
	res := crypto.SelfTest()

	status := func(ok bool) string {
		if ok {
			return "✓ pass"
		}
		return "✗ FAIL"
	}
	fmt.Println("Cryptographic self-test")
	fmt.Printf("  AES-256-GCM known answer:  %s\n", status(res.AESPassed))
	fmt.Printf("  Key derivation:            %s\n", status(res.KDFPassed))
	fmt.Printf("  ML-KEM-1024 round trip:    %s\n", status(res.MLKEMPassed))
	fmt.Printf("  Layer stack round trip:    %s\n", status(res.LayersPassed))
	for _, e := range res.Errors {
		fmt.Printf("    %s\n", e)
	}
	return res.Err()
}
