package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hoppyshare/hoppyshare-ble/envelope"
	"github.com/hoppyshare/hoppyshare-ble/groupkey"
)

// keygenCmd produces what the provisioning dashboard would: a device key
// pair and the group key wrapped to it.
func keygenCmd(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", ".", "Directory for device.pem")
	groupKeyHex := fs.String("group-key", "", "Existing group key (hex); a new one is generated if empty")
	bits := fs.Int("bits", 2048, "RSA key size")
	fs.Parse(args)

	var key []byte
	if *groupKeyHex != "" {
		k, err := groupkey.ParseRaw(*groupKeyHex)
		if err != nil {
			return err
		}
		key = k
	} else {
		key = make([]byte, envelope.KeySize)
		if _, err := rand.Read(key); err != nil {
			return err
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		return fmt.Errorf("generating RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	pemPath := filepath.Join(*out, "device.pem")
	if err := os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		return err
	}

	wrapped, err := groupkey.Wrap(&priv.PublicKey, key)
	if err != nil {
		return err
	}

	fmt.Printf("private_key_file: %s\n", pemPath)
	fmt.Println("group_key:")
	fmt.Println("  format: wrapped")
	fmt.Printf("  value: %s\n", wrapped)
	fmt.Printf("# raw group key, for format: raw\n# %s\n", hex.EncodeToString(key))
	return nil
}
