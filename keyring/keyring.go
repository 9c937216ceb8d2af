// Package keyring provides secure storage for the device's WireGuard key.
// It uses the system keyring when available, falling back to an encrypted
// local file when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/tunnelctl/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = common.AppID
	// deviceAccount holds the device private key.
	deviceAccount = "device-private-key"
	probeAccount  = "tunnelctl-probe"
)

// Keyring stores secrets by account name.
type Keyring struct {
	mu      sync.RWMutex
	service string
	path    string
	secret  []byte
	local   bool
	entries map[string]string
}

// New returns a Keyring backed by the system keyring, or by an encrypted
// file in dir when the system keyring refuses a probe write.
func New(dir string) *Keyring {
	k := &Keyring{
		service: serviceName,
		path:    filepath.Join(dir, common.KeysFileName),
	}

	if err := keyring.Set(k.service, probeAccount, "probe"); err == nil {
		keyring.Delete(k.service, probeAccount)
		return k
	}

	common.LogWarn("System keyring unavailable, using encrypted file %s", k.path)
	k.useLocal()
	return k
}

// Local reports whether the file fallback is in use.
func (k *Keyring) Local() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.local
}

func (k *Keyring) useLocal() {
	k.local = true
	k.secret = deriveKey(machineID())
	k.entries = make(map[string]string)
	if err := k.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		common.LogWarn("Discarding unreadable key file: %v", err)
	}
}

func machineID() string {
	hostname, _ := os.Hostname()
	id := "default-machine-id"
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		id = strings.TrimSpace(string(data))
	}
	return fmt.Sprintf("%s-%s-%d", hostname, id, os.Getuid())
}

// deriveKey expands the machine identity into a cipher key.
func deriveKey(identity string) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(identity), []byte(common.AppID), []byte("keyring file"))
	if _, err := io.ReadFull(r, key); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

func (k *Keyring) load() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return err
	}
	plain, err := decrypt(k.secret, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, &k.entries)
}

func (k *Keyring) save() error {
	data, err := json.Marshal(k.entries)
	if err != nil {
		return err
	}
	sealed, err := encrypt(k.secret, data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(k.path, sealed, 0600)
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func decrypt(key, data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	return plain, nil
}

// Store saves secret under account.
func (k *Keyring) Store(account, secret string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}
	if secret == "" {
		return errors.New("secret cannot be empty")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.local {
		err := keyring.Set(k.service, account, secret)
		if err == nil {
			return nil
		}
		common.LogWarn("System keyring write failed, falling back to file: %v", err)
		k.useLocal()
	}

	k.entries[account] = secret
	return k.save()
}

// Get returns the secret saved under account.
func (k *Keyring) Get(account string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.local {
		secret, ok := k.entries[account]
		if !ok {
			return "", common.ErrKeyNotFound
		}
		return secret, nil
	}

	secret, err := keyring.Get(k.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", common.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", account, err)
	}
	return secret, nil
}

// Delete removes account. Deleting a missing account is not an error.
func (k *Keyring) Delete(account string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.local {
		delete(k.entries, account)
		return k.save()
	}

	if err := keyring.Delete(k.service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", account, err)
	}
	return nil
}

// DeviceKey returns the stored device private key.
func (k *Keyring) DeviceKey() (wgtypes.Key, error) {
	text, err := k.Get(deviceAccount)
	if err != nil {
		return wgtypes.Key{}, err
	}
	key, err := wgtypes.ParseKey(text)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %w", common.ErrInvalidKey, err)
	}
	return key, nil
}

// SetDeviceKey validates and stores a base64 private key.
func (k *Keyring) SetDeviceKey(text string) (wgtypes.Key, error) {
	key, err := wgtypes.ParseKey(strings.TrimSpace(text))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %w", common.ErrInvalidKey, err)
	}
	if err := k.Store(deviceAccount, key.String()); err != nil {
		return wgtypes.Key{}, err
	}
	return key, nil
}

// EnsureDeviceKey returns the device key, generating and storing one when
// none exists. created reports whether a new key was made.
func (k *Keyring) EnsureDeviceKey() (key wgtypes.Key, created bool, err error) {
	key, err = k.DeviceKey()
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, common.ErrKeyNotFound) {
		return wgtypes.Key{}, false, err
	}

	key, err = wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, false, fmt.Errorf("generating device key: %w", err)
	}
	if err := k.Store(deviceAccount, key.String()); err != nil {
		return wgtypes.Key{}, false, err
	}
	common.LogInfo("Generated device key %s", key.PublicKey())
	return key, true, nil
}

// DeleteDeviceKey removes the device key.
func (k *Keyring) DeleteDeviceKey() error {
	return k.Delete(deviceAccount)
}

var _ common.KeyStore = (*Keyring)(nil)
