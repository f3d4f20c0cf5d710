package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rowjay/intranet-backup/internal/cryptoutil"
)

// EncryptConfigFile seals inputPath with key and writes it to outputPath.
// The output name should end in .enc so Load recognises it.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	if filepath.Clean(inputPath) == filepath.Clean(outputPath) {
		return fmt.Errorf("output must differ from input")
	}
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	ciphertext, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, ciphertext, 0o600)
}
