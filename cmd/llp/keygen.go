package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

func keygenCommand(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "", "Write the private seed to this file (mode 0600) instead of stdout")

	fs.Usage = func() {
		fmt.Println(`USAGE: llp keygen [options]

Generate an Ed25519 client identity. Put the private seed in the client's
client.identity_key and the public key in the server's crypto.authorized_keys.

OPTIONS:`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	seed := hex.EncodeToString(priv.Seed())

	if *out != "" {
		if err := os.WriteFile(*out, []byte(seed+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Printf("Private seed written to %s\n", *out)
	} else {
		fmt.Printf("identity_key:   %s\n", seed)
	}
	fmt.Printf("authorized_key: %s\n", hex.EncodeToString(pub))
	return nil
}
