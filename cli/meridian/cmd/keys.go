package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/cobra"

	"github.com/meridian-network/meridian/network"
	"github.com/meridian-network/meridian/util"
)

const (
	secp256k1 = "secp256k1"

	genKeysCmdFlag      = "gen-keys"
	forceKeyGenCmdFlag  = "force"
	keyFileCmdFlag      = "key-file"
	defaultKeysFileName = "keys.json"
)

type (
	Keys struct {
		AuthPrivKey crypto.PrivKey
	}

	keysConfig struct {
		HomeDir         *string
		KeyFilePath     string
		GenerateKeys    bool
		ForceGeneration bool
	}

	keyFile struct {
		AuthPrivKey key `json:"auth"`
	}

	key struct {
		Algorithm  string   `json:"algorithm"`
		PrivateKey hexBytes `json:"privateKey"`
	}

	// hexBytes encodes to and decodes from hex strings in JSON.
	hexBytes []byte
)

func NewKeysConf(conf *baseConfiguration) *keysConfig {
	return &keysConfig{HomeDir: &conf.HomeDir}
}

func (keysConf *keysConfig) addCmdFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&keysConf.GenerateKeys, genKeysCmdFlag, "g", false, "generates new keys if none exist")
	cmd.Flags().BoolVarP(&keysConf.ForceGeneration, forceKeyGenCmdFlag, "f", false, "forces key generation, overwriting existing keys. Must be used with -g flag")
	fullKeysFilePath := filepath.Join("$MRD_HOME", defaultKeysFileName)
	cmd.Flags().StringVarP(&keysConf.KeyFilePath, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: %s). If key file does not exist and flag -g is present then new keys are generated.", fullKeysFilePath))
}

// GenerateKeys generates a new authentication key.
func GenerateKeys() (*Keys, error) {
	authKey, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keys{
		AuthPrivKey: authKey,
	}, nil
}

func (keysConf *keysConfig) GetKeyFileLocation() string {
	if keysConf.KeyFilePath != "" {
		return keysConf.KeyFilePath
	}
	return filepath.Join(*keysConf.HomeDir, defaultKeysFileName)
}

// LoadKeys loads the authentication key.
func LoadKeys(file string, generateNewIfNotExist bool, overwrite bool) (*Keys, error) {
	exists := util.FileExists(file)

	if (exists && overwrite) || (!exists && generateNewIfNotExist) {
		// ensure intermediate dirs exist
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return nil, err
		}
		generateKeys, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		err = generateKeys.WriteTo(file)
		if err != nil {
			return nil, err
		}
		return generateKeys, nil
	}

	if !util.FileExists(file) {
		return nil, fmt.Errorf("keys file %s not found", file)
	}

	kf, err := util.ReadJsonFile(file, &keyFile{})
	if err != nil {
		return nil, err
	}
	if kf.AuthPrivKey.Algorithm != secp256k1 {
		return nil, fmt.Errorf("authentication key algorithm %v is not supported", kf.AuthPrivKey.Algorithm)
	}

	authKey, err := crypto.UnmarshalSecp256k1PrivateKey(kf.AuthPrivKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid authentication key: %w", err)
	}

	return &Keys{
		AuthPrivKey: authKey,
	}, nil
}

func (k *Keys) getAuthKeyPair() (*network.PeerKeyPair, error) {
	private, err := k.AuthPrivKey.Raw()
	if err != nil {
		return nil, err
	}
	public, err := k.AuthPrivKey.GetPublic().Raw()
	if err != nil {
		return nil, err
	}
	return &network.PeerKeyPair{
		PublicKey:  public,
		PrivateKey: private,
	}, nil
}

func (k *Keys) WriteTo(file string) error {
	authKeyBytes, err := k.AuthPrivKey.Raw()
	if err != nil {
		return err
	}
	kf := &keyFile{
		AuthPrivKey: key{
			Algorithm:  secp256k1,
			PrivateKey: authKeyBytes,
		},
	}
	return util.WriteJsonFile(file, kf)
}

func (b hexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

func (b *hexBytes) UnmarshalText(data []byte) error {
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}
