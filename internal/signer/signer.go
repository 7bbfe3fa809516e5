// Package signer loads the local key used to sign chain transactions.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

const (
	EnvPrivateKey           = "WEB3CHAT_PRIVATE_KEY"
	EnvPrivateKeyFile       = "WEB3CHAT_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "WEB3CHAT_KEYSTORE_PATH"
	EnvKeystorePassword     = "WEB3CHAT_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "WEB3CHAT_KEYSTORE_PASSWORD_FILE"

	SourceAuto     = "auto"
	SourceEnv      = "env"
	SourceFile     = "file"
	SourceKeystore = "keystore"

	defaultKeyRelativePath = "web3chat/key.hex"
)

var ErrNoKey = errors.New("missing signing key")

type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (s *Local) Address() common.Address { return s.address }

func (s *Local) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// Sources holds the raw key locations; empty fields are skipped.
type Sources struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// SourcesFromEnv reads WEB3CHAT_* variables restricted to source. The default
// key file under the config dir is considered for auto and file.
func SourcesFromEnv(source string) (Sources, error) {
	env := func(k string) string { return strings.TrimSpace(os.Getenv(k)) }
	all := Sources{
		PrivateKeyHex:        env(EnvPrivateKey),
		PrivateKeyFile:       env(EnvPrivateKeyFile),
		KeystorePath:         env(EnvKeystorePath),
		KeystorePassword:     env(EnvKeystorePassword),
		KeystorePasswordFile: env(EnvKeystorePasswordFile),
	}
	if all.PrivateKeyFile == "" {
		all.PrivateKeyFile = defaultKeyFile()
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", SourceAuto:
		return all, nil
	case SourceEnv:
		return Sources{PrivateKeyHex: all.PrivateKeyHex}, nil
	case SourceFile:
		return Sources{PrivateKeyFile: all.PrivateKeyFile}, nil
	case SourceKeystore:
		return Sources{
			KeystorePath:         all.KeystorePath,
			KeystorePassword:     all.KeystorePassword,
			KeystorePasswordFile: all.KeystorePasswordFile,
		}, nil
	default:
		return Sources{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, SourceAuto, SourceEnv, SourceFile, SourceKeystore)
	}
}

// FromEnv loads a signer from the environment for the given key source.
func FromEnv(source string) (*Local, error) {
	src, err := SourcesFromEnv(source)
	if err != nil {
		return nil, err
	}
	return Load(src)
}

// Load resolves the first populated source: hex key, key file, keystore.
func Load(src Sources) (*Local, error) {
	key, err := loadKey(src)
	if err != nil {
		return nil, err
	}
	return FromKey(key)
}

func FromKey(key *ecdsa.PrivateKey) (*Local, error) {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}
	return &Local{key: key, address: crypto.PubkeyToAddress(*pub)}, nil
}

func loadKey(src Sources) (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(src.PrivateKeyHex) != "":
		return parseHexKey(src.PrivateKeyHex)
	case strings.TrimSpace(src.PrivateKeyFile) != "":
		buf, err := os.ReadFile(src.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case strings.TrimSpace(src.KeystorePath) != "":
		return loadKeystore(src)
	}
	return nil, fmt.Errorf("%w: set %s, %s or %s", ErrNoKey, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

func loadKeystore(src Sources) (*ecdsa.PrivateKey, error) {
	password := src.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(src.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(src.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required")
	}
	buf, err := os.ReadFile(src.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultKeyFile() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeyRelativePath)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
