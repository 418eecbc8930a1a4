package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"repserver/internal/store"
)

// ErrNoActiveKey is returned when no active key pair exists. The HTTP surface
// treats this as a server misconfiguration.
var ErrNoActiveKey = errors.New("no active key pair")

// KeyStore manages the RSA key pairs used for license signing.
type KeyStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewKeyStore creates a key store.
func NewKeyStore(db *gorm.DB, logger *slog.Logger) *KeyStore {
	return &KeyStore{
		db:     db,
		logger: logger.With(slog.String("component", "keystore")),
	}
}

// GenerateKeyPair creates an RSA key pair of the given modulus length and
// persists it. When activate is set the new pair becomes the single active
// pair and any previously active pair is retired.
func (ks *KeyStore) GenerateKeyPair(ctx context.Context, name string, bits int, activate bool) (*store.KeyPair, error) {
	start := time.Now()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privPEM, err := encodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := encodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	pair := store.KeyPair{
		Name:       name,
		PrivateKey: privPEM,
		PublicKey:  pubPEM,
		IsActive:   activate,
		CreatedAt:  time.Now().UTC(),
	}

	err = ks.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if activate {
			if err := tx.Model(&store.KeyPair{}).Where("is_active = ?", true).
				Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(&pair).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist key pair: %w", err)
	}

	ks.logger.InfoContext(ctx, "generated key pair",
		slog.String("key_pair_id", pair.ID),
		slog.String("name", name),
		slog.Int("bits", bits),
		slog.Bool("active", activate),
		slog.Duration("took", time.Since(start)),
	)
	return &pair, nil
}

// ActiveKeyPair returns the single active key pair.
func (ks *KeyStore) ActiveKeyPair(ctx context.Context) (*store.KeyPair, error) {
	var pair store.KeyPair
	err := ks.db.WithContext(ctx).Where("is_active = ?", true).
		Order("created_at DESC").First(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active key pair: %w", err)
	}
	return &pair, nil
}

// Get returns a key pair by id.
func (ks *KeyStore) Get(ctx context.Context, id string) (*store.KeyPair, error) {
	var pair store.KeyPair
	err := ks.db.WithContext(ctx).First(&pair, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	return &pair, nil
}

// PublicKeyPEM returns the active public key for client embedding.
func (ks *KeyStore) PublicKeyPEM(ctx context.Context) (string, error) {
	pair, err := ks.ActiveKeyPair(ctx)
	if err != nil {
		return "", err
	}
	return pair.PublicKey, nil
}

// Retire marks a key pair inactive. The pair stays stored because issued
// licenses keep referencing it for verification.
func (ks *KeyStore) Retire(ctx context.Context, id string) error {
	res := ks.db.WithContext(ctx).Model(&store.KeyPair{}).
		Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to retire key pair: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNoActiveKey
	}
	return nil
}

func encodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func encodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePrivateKeyPEM decodes a PKCS8 PEM private key.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// ParsePublicKeyPEM decodes a SubjectPublicKeyInfo PEM public key.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}
