package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trellis-network/trellis/src/crypto/keys"
)

//NewKeygenCmd returns the command that generates a node identity key
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create new key pair",
		RunE:  keygen,
	}
	return cmd
}

func keygen(cmd *cobra.Command, args []string) error {
	keyfilePath := _config.Keyfile()

	if _, err := os.Stat(keyfilePath); err == nil {
		return fmt.Errorf("a key already lives at %s; refusing to overwrite", keyfilePath)
	}

	key, err := keys.GenerateKey()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(keyfilePath), 0700); err != nil {
		return err
	}

	keyfile := keys.NewSimpleKeyfile(keyfilePath)
	if err := keyfile.WriteKey(key); err != nil {
		return err
	}

	fmt.Println("PublicKey:")
	fmt.Println(keys.PublicKeyHex(&key.PublicKey))
	fmt.Printf("NodeID: %s\n", keys.PublicKeyID(keys.FromPublicKey(&key.PublicKey)))
	fmt.Printf("Key saved to %s\n", keyfilePath)

	return nil
}
