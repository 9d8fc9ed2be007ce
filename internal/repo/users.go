package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/username-attestor/internal/domain"
)

// EnsureUser returns the requester row, creating it with the given locale on
// first contact. An existing row keeps its stored locale.
func EnsureUser(ctx context.Context, db *gorm.DB, requesterID, locale string) (*domain.User, error) {
	u := &domain.User{RequesterID: requesterID, Locale: locale}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(u).Error
	if err != nil {
		return nil, err
	}
	return GetUser(ctx, db, requesterID)
}

// GetUser fetches a requester by id, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, requesterID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("requester_id = ?", requesterID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserLocale stores the requester's language.
func SetUserLocale(ctx context.Context, db *gorm.DB, requesterID, locale string) error {
	return updateUser(ctx, db, requesterID, map[string]any{"locale": locale})
}

// SetPayerAddress stores (or clears, when addr is nil) the claimed payer address.
func SetPayerAddress(ctx context.Context, db *gorm.DB, requesterID string, addr *string) error {
	return updateUser(ctx, db, requesterID, map[string]any{"payer_address": addr})
}

// SetIdentifier stores (or clears, when id is nil) the claimed identifier.
func SetIdentifier(ctx context.Context, db *gorm.DB, requesterID string, id *string) error {
	return updateUser(ctx, db, requesterID, map[string]any{"identifier": id})
}

// ClearClaims resets both claim fields so the requester can start over.
func ClearClaims(ctx context.Context, db *gorm.DB, requesterID string) error {
	return updateUser(ctx, db, requesterID, map[string]any{"payer_address": nil, "identifier": nil})
}

func updateUser(ctx context.Context, db *gorm.DB, requesterID string, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("requester_id = ?", requesterID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
