package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

type Plate struct {
	ID         int64  `gorm:"primaryKey"`
	Number     string `gorm:"not null"`
	Normalized string `gorm:"not null;uniqueIndex"`
	CreatedAt  time.Time
}

type VehicleOwner struct {
	ID            int64  `gorm:"primaryKey"`
	PlateID       int64  `gorm:"not null;uniqueIndex"`
	Name          string `gorm:"not null"`
	Phone         *string
	NotifyChannel *string
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Violation struct {
	ID              string `gorm:"primaryKey"`
	PlateID         *int64
	TrackID         int64 `gorm:"not null"`
	RawPlate        *string
	NormalizedPlate *string
	VehicleClass    string  `gorm:"not null"`
	Speed           float64 `gorm:"not null"`
	SpeedLimit      float64 `gorm:"not null"`
	FrameIndex      int64   `gorm:"not null"`
	VideoTimestamp  float64 `gorm:"not null"`
	EvidenceDir     string  `gorm:"not null"`
	VehicleImage    string  `gorm:"not null"`
	PlateImage      *string
	ClipPath        *string
	Status          string `gorm:"not null;default:pending"`
	Detail          datatypes.JSON
	OccurredAt      time.Time `gorm:"not null"`
	CreatedAt       time.Time
}

func (r *ViolationRepository) GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error) {
	var plate Plate
	err := r.db.WithContext(ctx).Where("normalized = ?", normalized).First(&plate).Error
	if err == nil {
		return plate.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, err
	}

	plate = Plate{
		Number:     original,
		Normalized: normalized,
		CreatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&plate).Error; err != nil {
		return 0, err
	}
	return plate.ID, nil
}

func (r *ViolationRepository) CreateViolation(ctx context.Context, v *Violation) error {
	return r.db.WithContext(ctx).Create(v).Error
}

// DeleteViolation removes a provisional row whose evidence turned out to
// be incomplete.
func (r *ViolationRepository) DeleteViolation(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&Violation{}, "id = ?", id).Error
}

func (r *ViolationRepository) GetViolation(ctx context.Context, id string) (*Violation, error) {
	var v Violation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *ViolationRepository) UpdateViolationStatus(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).
		Model(&Violation{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *ViolationRepository) FindViolations(ctx context.Context, normalizedPlate *string, from, to *time.Time, limit, offset int) ([]Violation, error) {
	query := r.db.WithContext(ctx).Model(&Violation{})

	if normalizedPlate != nil {
		query = query.Where("normalized_plate = ?", *normalizedPlate)
	}
	if from != nil {
		query = query.Where("occurred_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("occurred_at <= ?", *to)
	}

	query = query.Order("occurred_at DESC")

	if limit > 0 {
		if limit > 100 {
			limit = 100
		}
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var violations []Violation
	err := query.Find(&violations).Error
	return violations, err
}

func (r *ViolationRepository) FindPlatesByNormalized(ctx context.Context, normalized string) ([]Plate, error) {
	var plates []Plate
	err := r.db.WithContext(ctx).
		Where("normalized = ?", normalized).
		Find(&plates).Error
	return plates, err
}

func (r *ViolationRepository) GetLastViolationTimeForPlate(ctx context.Context, plateID int64) (*time.Time, error) {
	var v Violation
	err := r.db.WithContext(ctx).
		Where("plate_id = ?", plateID).
		Order("occurred_at DESC").
		First(&v).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v.OccurredAt, nil
}

func (r *ViolationRepository) GetOwnerForPlate(ctx context.Context, plateID int64) (*VehicleOwner, error) {
	var owner VehicleOwner
	err := r.db.WithContext(ctx).Where("plate_id = ?", plateID).First(&owner).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

// UpsertOwner creates or replaces the registered owner for a plate.
func (r *ViolationRepository) UpsertOwner(ctx context.Context, owner *VehicleOwner) error {
	var existing VehicleOwner
	err := r.db.WithContext(ctx).Where("plate_id = ?", owner.PlateID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		owner.CreatedAt = time.Now()
		owner.UpdatedAt = owner.CreatedAt
		return r.db.WithContext(ctx).Create(owner).Error
	}
	if err != nil {
		return err
	}

	owner.ID = existing.ID
	owner.CreatedAt = existing.CreatedAt
	owner.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(owner).Error
}

func (r *ViolationRepository) DeleteOldViolations(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&Violation{})
	return res.RowsAffected, res.Error
}
