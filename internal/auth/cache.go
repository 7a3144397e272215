package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// cacheKeyLen is the derived cache key length in bytes.
	cacheKeyLen = 32

	// expiryMargin is subtracted from the server-declared token lifetime
	// so a token is never presented after server-side expiry. Absorbs
	// clock skew and in-flight request latency.
	expiryMargin = 30 * time.Second

	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache file.
	cacheFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt file lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	tokenBucket    = []byte("token")
	tokenRecordKey = []byte("record")
)

// CachedToken is the persisted token record.
type CachedToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	ClientID    string `json:"client_id"`
	Scope       string `json:"scope"`
	TokenType   string `json:"token_type"`
}

// NewCachedToken builds the record persisted after a successful exchange.
// Expiry is now + (expires_in − 30s), floored at zero.
func NewCachedToken(creds Credentials, resp TokenResponse) *CachedToken {
	lifetime := time.Duration(resp.ExpiresIn)*time.Second - expiryMargin
	if lifetime < 0 {
		lifetime = 0
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &CachedToken{
		AccessToken: resp.AccessToken,
		ExpiresAt:   time.Now().Add(lifetime).Unix(),
		ClientID:    creds.ClientID,
		Scope:       creds.Scope,
		TokenType:   tokenType,
	}
}

// ValidFor reports whether the record belongs to the given credentials and
// has not expired. The owning client ID and scope must match exactly and
// the expiry must be strictly in the future.
func (t *CachedToken) ValidFor(creds Credentials) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}

	if t.ClientID != creds.ClientID || t.Scope != creds.Scope {
		return false
	}

	return time.Now().Unix() < t.ExpiresAt
}

// SecondsUntilExpiry returns how long the record remains valid. Negative
// once expired.
func (t *CachedToken) SecondsUntilExpiry() int64 {
	return t.ExpiresAt - time.Now().Unix()
}

// Cache stores at most one encrypted token record. Read returns (nil, nil)
// on any miss: absent, undecryptable, or malformed records are
// indistinguishable from an empty cache and never fatal.
type Cache interface {
	Read() (*CachedToken, error)
	Write(*CachedToken) error
	Invalidate() error
}

// DeriveCacheKey derives the 32-byte cache encryption key from the
// configured passphrase using scrypt (N=32768, r=8, p=1). Passphrase and
// salt are NFKC-normalized before hashing so visually identical inputs
// derive the same key.
func DeriveCacheKey(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, cacheKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving cache key: %w", err)
	}

	return key, nil
}

// cacheCipher encrypts cache payloads with AES-256-GCM. Format:
// [12-byte IV][ciphertext+GCM tag], IV random per write.
type cacheCipher struct {
	gcm cipher.AEAD
}

func newCacheCipher(key []byte) (*cacheCipher, error) {
	if len(key) != cacheKeyLen {
		return nil, fmt.Errorf("invalid cache key length %d: expected %d bytes", len(key), cacheKeyLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &cacheCipher{gcm: gcm}, nil
}

func (c *cacheCipher) seal(plaintext []byte) ([]byte, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := c.gcm.Seal(nil, iv, plaintext, nil)
	result := make([]byte, len(iv)+len(ct))
	copy(result, iv)
	copy(result[len(iv):], ct)

	return result, nil
}

func (c *cacheCipher) open(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) <= nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plain, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plain, nil
}

// decodeRecord turns decrypted payload bytes into a record, or nil when
// the payload is malformed or structurally incomplete.
func decodeRecord(plain []byte) *CachedToken {
	var rec CachedToken
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil
	}

	if rec.AccessToken == "" || rec.ClientID == "" || rec.Scope == "" || rec.ExpiresAt == 0 {
		return nil
	}

	return &rec
}

// FileCache persists the encrypted record as a single file. The whole
// payload is written in one WriteFile call, so a concurrent reader sees
// either the old or the new record, never a partial one.
type FileCache struct {
	path   string
	cipher *cacheCipher
}

// NewFileCache creates a file-backed cache at path encrypted with the
// given 32-byte key.
func NewFileCache(path string, key []byte) (*FileCache, error) {
	c, err := newCacheCipher(key)
	if err != nil {
		return nil, err
	}

	return &FileCache{path: path, cipher: c}, nil
}

// Read loads and decrypts the cached record. Any failure is a cache miss.
func (f *FileCache) Read() (*CachedToken, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, nil
	}

	plain, err := f.cipher.open(data)
	if err != nil {
		return nil, nil
	}

	return decodeRecord(plain), nil
}

// Write encrypts and persists the record with owner-only permissions.
// Permission tightening on pre-existing files is best-effort.
func (f *FileCache) Write(rec *CachedToken) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}

	sealed, err := f.cipher.seal(plain)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), cacheDirPerm); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	if err := os.WriteFile(f.path, sealed, cacheFilePerm); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}

	_ = os.Chmod(f.path, cacheFilePerm)

	return nil
}

// Invalidate deletes the persisted record. A missing file is not an error.
func (f *FileCache) Invalidate() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token cache: %w", err)
	}

	return nil
}

// BoltCache persists the encrypted record in a bbolt database. bbolt's
// file lock gives cross-process exclusion that the plain file backend
// does not attempt.
type BoltCache struct {
	db     *bolt.DB
	cipher *cacheCipher
}

// NewBoltCache opens (creating if needed) a bolt-backed cache at path.
func NewBoltCache(path string, key []byte) (*BoltCache, error) {
	c, err := newCacheCipher(key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	return &BoltCache{db: db, cipher: c}, nil
}

// Close closes the underlying database.
func (b *BoltCache) Close() error {
	return b.db.Close()
}

// Read loads and decrypts the cached record. Any failure is a cache miss.
func (b *BoltCache) Read() (*CachedToken, error) {
	var sealed []byte

	_ = b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(tokenBucket).Get(tokenRecordKey); v != nil {
			sealed = append([]byte(nil), v...)
		}

		return nil
	})

	if sealed == nil {
		return nil, nil
	}

	plain, err := b.cipher.open(sealed)
	if err != nil {
		return nil, nil
	}

	return decodeRecord(plain), nil
}

// Write encrypts and persists the record.
func (b *BoltCache) Write(rec *CachedToken) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}

	sealed, err := b.cipher.seal(plain)
	if err != nil {
		return err
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenBucket).Put(tokenRecordKey, sealed)
	})
	if err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}

	return nil
}

// Invalidate deletes the persisted record. An absent record is not an error.
func (b *BoltCache) Invalidate() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenBucket).Delete(tokenRecordKey)
	})
	if err != nil {
		return fmt.Errorf("removing token cache: %w", err)
	}

	return nil
}

// MemoryCache is an unencrypted in-process cache for tests and embedding.
type MemoryCache struct {
	rec *CachedToken
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Read returns the stored record, or (nil, nil) when empty.
func (m *MemoryCache) Read() (*CachedToken, error) {
	if m.rec == nil {
		return nil, nil
	}

	cp := *m.rec

	return &cp, nil
}

// Write stores a copy of the record.
func (m *MemoryCache) Write(rec *CachedToken) error {
	cp := *rec
	m.rec = &cp

	return nil
}

// Invalidate clears the stored record.
func (m *MemoryCache) Invalidate() error {
	m.rec = nil
	return nil
}
