package auth

import (
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingAuthRecord is one in-flight authorization attempt, scoped to a
// browsing context so tabs cannot consume each other's verifier.
type PendingAuthRecord struct {
	ID              uint
	Scope           string `gorm:"uniqueIndex"`
	State           string `gorm:"index"`
	CodeVerifier    string
	Handle          string
	DID             string
	PDSURL          string
	Issuer          string
	AuthserverNonce string
	DpopPrivateJWK  string
	CreatedAt       time.Time
}

// SecondarySessionRecord is the durable scheduling-service session: tokens,
// the private JWK they are bound to, and the resolved DID.
type SecondarySessionRecord struct {
	ID             uint
	Scope          string `gorm:"uniqueIndex"`
	DID            string `gorm:"index"`
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	DpopPrivateJWK string
	UpdatedAt      time.Time
}

func AutoMigrateStores(db *gorm.DB) error {
	return db.AutoMigrate(&PendingAuthRecord{}, &SecondarySessionRecord{})
}

// GormPendingStore is a PendingStore backed by a database row keyed on a
// caller-supplied scope (the web app uses the cookie session id).
type GormPendingStore struct {
	db    *gorm.DB
	scope string
}

func NewGormPendingStore(db *gorm.DB, scope string) *GormPendingStore {
	return &GormPendingStore{db: db, scope: scope}
}

func (s *GormPendingStore) Save(p *PendingAuth) error {
	rec := PendingAuthRecord{
		Scope:           s.scope,
		State:           p.State,
		CodeVerifier:    p.CodeVerifier,
		Handle:          p.Handle,
		DID:             p.DID,
		PDSURL:          p.PDSURL,
		Issuer:          p.Issuer,
		AuthserverNonce: p.AuthserverNonce,
		DpopPrivateJWK:  p.DPoPPrivateJWK,
	}

	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

func (s *GormPendingStore) Load() (*PendingAuth, error) {
	var rec PendingAuthRecord
	if err := s.db.Where("scope = ?", s.scope).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &PendingAuth{
		State:           rec.State,
		CodeVerifier:    rec.CodeVerifier,
		Handle:          rec.Handle,
		DID:             rec.DID,
		PDSURL:          rec.PDSURL,
		Issuer:          rec.Issuer,
		AuthserverNonce: rec.AuthserverNonce,
		DPoPPrivateJWK:  rec.DpopPrivateJWK,
	}, nil
}

func (s *GormPendingStore) Clear() error {
	return s.db.Where("scope = ?", s.scope).Delete(&PendingAuthRecord{}).Error
}

// GormSecondaryStore is a SecondaryStore backed by a database row keyed on
// a caller-supplied scope.
type GormSecondaryStore struct {
	db    *gorm.DB
	scope string
}

func NewGormSecondaryStore(db *gorm.DB, scope string) *GormSecondaryStore {
	return &GormSecondaryStore{db: db, scope: scope}
}

func (s *GormSecondaryStore) load() (*SecondarySessionRecord, error) {
	var rec SecondarySessionRecord
	if err := s.db.Where("scope = ?", s.scope).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *GormSecondaryStore) upsert(mutate func(rec *SecondarySessionRecord)) error {
	rec, err := s.load()
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &SecondarySessionRecord{Scope: s.scope}
	}

	mutate(rec)

	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (s *GormSecondaryStore) Tokens() (*SecondaryTokens, error) {
	rec, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.AccessToken == "" {
		return nil, nil
	}

	return &SecondaryTokens{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

func (s *GormSecondaryStore) SetTokens(t *SecondaryTokens) error {
	return s.upsert(func(rec *SecondarySessionRecord) {
		rec.AccessToken = t.AccessToken
		rec.RefreshToken = t.RefreshToken
		rec.ExpiresAt = t.ExpiresAt
	})
}

func (s *GormSecondaryStore) Key() (jwk.Key, error) {
	rec, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.DpopPrivateJWK == "" {
		return nil, &KeyMaterialError{}
	}

	return LoadKeyPair([]byte(rec.DpopPrivateJWK))
}

func (s *GormSecondaryStore) SetKey(key jwk.Key) error {
	b, err := SerializeKeyPair(key)
	if err != nil {
		return err
	}

	return s.upsert(func(rec *SecondarySessionRecord) {
		rec.DpopPrivateJWK = string(b)
	})
}

func (s *GormSecondaryStore) DID() (string, error) {
	rec, err := s.load()
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	return rec.DID, nil
}

func (s *GormSecondaryStore) SetDID(did string) error {
	return s.upsert(func(rec *SecondarySessionRecord) {
		rec.DID = did
	})
}

func (s *GormSecondaryStore) Clear() error {
	return s.db.Where("scope = ?", s.scope).Delete(&SecondarySessionRecord{}).Error
}
