// Command keygen generates key material for the client's
// client-side-encryption layer: either a raw pre-shared data key for
// a chosen cipher suite, or a local Tink keyset to use as a
// key-encryption key.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/guided-traffic/mantaclient/cipher"
	"github.com/guided-traffic/mantaclient/keywrap"
)

func main() {
	suiteFlag := flag.String("suite", string(cipher.AES256CTR), "cipher suite to generate a pre-shared key for")
	kekFlag := flag.Bool("kek", false, "generate a local Tink key-encryption-key keyset instead")
	flag.Parse()

	if *kekFlag {
		keysetJSON, err := keywrap.GenerateLocalKeyset()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generating keyset: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(keysetJSON)
		fmt.Fprintln(os.Stderr) // keep the keyset JSON on stdout clean for piping
		return
	}

	suite, err := cipher.Lookup(cipher.ID(*suiteFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	key, err := suite.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generating key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", base64.StdEncoding.EncodeToString(key))
}
