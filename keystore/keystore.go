package keystore

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	ethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"golang.org/x/xerrors"
)

// KeyStore holds password-encrypted key material on disk. The
// orchestrator's settlement key and agent wallet keys live here.
type KeyStore interface {
	Put(name, auth string, info KeyInfo) error
	Get(name, auth string) (KeyInfo, error)
	List() ([]string, error)
	Exist(name string) (bool, error)
	Delete(name, auth string) error
	Close() error
}

var _ KeyStore = (*keyStore)(nil)

type keyStore struct {
	path string
}

type keyFile struct {
	Address string                `json:"address"`
	Crypto  ethkeystore.CryptoJSON `json:"crypto"`
}

// create a repo to store keyfiles
func NewKeyStore(path string) (KeyStore, error) {
	err := os.MkdirAll(path, 0700)
	if err != nil {
		return nil, err
	}

	return &keyStore{
		path,
	}, nil
}

// Put encrypts the key by password and stores it in the keystore.
// An existing entry is kept as-is.
func (k keyStore) Put(name, auth string, info KeyInfo) error {
	sData, err := json.Marshal(info)
	if err != nil {
		return err
	}

	cryptoJSON, err := ethkeystore.EncryptDataV3(sData, []byte(auth), ethkeystore.StandardScryptN, ethkeystore.StandardScryptP)
	if err != nil {
		return err
	}

	kf := keyFile{Address: name, Crypto: cryptoJSON}
	keyjson, err := json.Marshal(kf)
	if err != nil {
		return err
	}

	path := joinPath(k.path, name)
	_, err = os.Stat(path)
	if err == nil {
		// exist
		return nil
	}

	return writeKeyFile(path, keyjson)
}

func (k *keyStore) Get(name, auth string) (KeyInfo, error) {
	var res KeyInfo

	path := joinPath(k.path, name)

	keyjson, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}

	var kf keyFile
	if err := json.Unmarshal(keyjson, &kf); err != nil {
		return res, err
	}
	// make sure we're really operating on the requested key
	if strings.Compare(kf.Address, name) != 0 {
		return res, xerrors.Errorf("key content mismatch: have %s, want %s", kf.Address, name)
	}

	plain, err := ethkeystore.DecryptDataV3(kf.Crypto, auth)
	if err != nil {
		return res, err
	}

	err = json.Unmarshal(plain, &res)
	if err != nil {
		return res, xerrors.Errorf("decoding key '%s': %w", name, err)
	}

	return res, nil
}

func (k *keyStore) List() ([]string, error) {
	dir, err := os.Open(k.path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	files, err := dir.Readdir(-1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		keys = append(keys, f.Name())
	}
	return keys, nil
}

// check if a name exists
func (k *keyStore) Exist(name string) (bool, error) {
	l, err := k.List()
	if err != nil {
		return false, err
	}

	for _, v := range l {
		if v == name {
			return true, nil
		}
	}

	return false, nil
}

func (k *keyStore) Delete(name, auth string) error {
	_, err := k.Get(name, auth)
	if err != nil {
		return err
	}

	keyPath := joinPath(k.path, name)

	return os.Remove(keyPath)
}

func (k *keyStore) Close() error {
	return nil
}

func joinPath(dir string, filename string) (path string) {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(dir, filename)
}

func writeTemporaryKeyFile(file string, content []byte) (string, error) {
	const dirPerm = 0700
	err := os.MkdirAll(filepath.Dir(file), dirPerm)
	if err != nil {
		return "", err
	}
	// atomic write: create a temporary hidden file first,
	// then move it into place
	f, err := os.CreateTemp(filepath.Dir(file), "."+filepath.Base(file)+".tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

func writeKeyFile(file string, content []byte) error {
	name, err := writeTemporaryKeyFile(file, content)
	if err != nil {
		return err
	}
	return os.Rename(name, file)
}

// LoadKeyFile decrypts a keyfile and returns the secret key hex.
func LoadKeyFile(password, path string) (string, error) {
	keyjson, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var kf keyFile
	if err := json.Unmarshal(keyjson, &kf); err != nil {
		return "", err
	}
	plain, err := ethkeystore.DecryptDataV3(kf.Crypto, password)
	if err != nil {
		return "", err
	}

	var res KeyInfo
	if err := json.Unmarshal(plain, &res); err != nil {
		return "", err
	}

	return hex.EncodeToString(res.SecretKey), nil
}
