package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"speedcam-service/internal/domain/traffic"
	"speedcam-service/internal/metrics"
	"speedcam-service/internal/notify"
	"speedcam-service/internal/repository"
	"speedcam-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrIncompleteEvidence rejects a bundle that cannot substantiate the
	// violation; the caller rolls the files back.
	ErrIncompleteEvidence = errors.New("incomplete evidence")
)

// violationStore is the slice of the repository the service needs.
type violationStore interface {
	GetOrCreatePlate(ctx context.Context, normalized, original string) (int64, error)
	CreateViolation(ctx context.Context, v *repository.Violation) error
	GetViolation(ctx context.Context, id string) (*repository.Violation, error)
	DeleteViolation(ctx context.Context, id string) error
	UpdateViolationStatus(ctx context.Context, id, status string) error
	FindViolations(ctx context.Context, normalizedPlate *string, from, to *time.Time, limit, offset int) ([]repository.Violation, error)
	FindPlatesByNormalized(ctx context.Context, normalized string) ([]repository.Plate, error)
	GetLastViolationTimeForPlate(ctx context.Context, plateID int64) (*time.Time, error)
	GetOwnerForPlate(ctx context.Context, plateID int64) (*repository.VehicleOwner, error)
	UpsertOwner(ctx context.Context, owner *repository.VehicleOwner) error
	DeleteOldViolations(ctx context.Context, days int) (int64, error)
}

type ViolationService struct {
	repo     violationStore
	notifier notify.Notifier
	log      zerolog.Logger
}

// NewViolationService wires persistence and an optional notifier; pass a
// nil notifier to disable delivery.
func NewViolationService(repo violationStore, notifier notify.Notifier, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		repo:     repo,
		notifier: notifier,
		log:      log,
	}
}

// Record persists one violation bundle. The row is created first; if the
// bundle then proves incomplete the row is deleted again so the database
// never references evidence that is not on disk. Notification failures
// only affect the row's status, never its existence.
func (s *ViolationService) Record(ctx context.Context, bundle *traffic.EvidenceBundle) error {
	if bundle == nil || bundle.ID == "" {
		return fmt.Errorf("%w: bundle id is required", ErrInvalidInput)
	}
	if bundle.VehicleImagePath == "" {
		return fmt.Errorf("%w: vehicle image is missing", ErrIncompleteEvidence)
	}

	ev := bundle.Event
	var plateID *int64
	if ev.Plate != "" {
		id, err := s.repo.GetOrCreatePlate(ctx, utils.NormalizePlate(ev.Plate), ev.Plate)
		if err != nil {
			s.log.Error().Err(err).Str("plate", ev.Plate).Msg("failed to get or create plate")
			return fmt.Errorf("get or create plate: %w", err)
		}
		plateID = &id
	}

	row := &repository.Violation{
		ID:             bundle.ID,
		PlateID:        plateID,
		TrackID:        ev.TrackID,
		VehicleClass:   string(ev.Class),
		Speed:          ev.Speed,
		SpeedLimit:     ev.Limit,
		FrameIndex:     ev.FrameIndex,
		VideoTimestamp: ev.Timestamp,
		EvidenceDir:    bundle.Dir,
		VehicleImage:   bundle.VehicleImagePath,
		Status:         string(traffic.StatusPending),
		OccurredAt:     ev.OccurredAt,
		CreatedAt:      time.Now(),
	}
	if ev.Plate != "" {
		normalized := utils.NormalizePlate(ev.Plate)
		row.RawPlate = &ev.Plate
		row.NormalizedPlate = &normalized
	}
	if bundle.PlateImagePath != "" {
		row.PlateImage = &bundle.PlateImagePath
	}
	if bundle.VideoPath != "" {
		row.ClipPath = &bundle.VideoPath
	}
	if detail, err := json.Marshal(ev.Box); err == nil {
		row.Detail = datatypes.JSON(detail)
	}

	if err := s.repo.CreateViolation(ctx, row); err != nil {
		s.log.Error().
			Err(err).
			Int64("track_id", ev.TrackID).
			Str("plate", ev.Plate).
			Msg("failed to create violation")
		return fmt.Errorf("create violation: %w", err)
	}

	// evidence completeness is judged after the provisional row exists so
	// a rejection cleans up exactly one row and one directory
	if ev.Plate == "" && bundle.PlateImagePath == "" {
		if err := s.repo.DeleteViolation(ctx, bundle.ID); err != nil {
			s.log.Error().Err(err).Str("violation_id", bundle.ID).Msg("failed to delete provisional violation")
		}
		return fmt.Errorf("%w: no plate readout and no plate image", ErrIncompleteEvidence)
	}

	s.log.Info().
		Str("violation_id", bundle.ID).
		Int64("track_id", ev.TrackID).
		Str("plate", ev.Plate).
		Float64("speed", ev.Speed).
		Float64("limit", ev.Limit).
		Msg("violation persisted")

	s.dispatchNotification(ctx, bundle, plateID)
	return nil
}

func (s *ViolationService) dispatchNotification(ctx context.Context, bundle *traffic.EvidenceBundle, plateID *int64) {
	if s.notifier == nil {
		return
	}

	msg := notify.Message{Event: bundle.Event}
	msg.OwnerName, msg.OwnerPhone = s.lookupOwner(ctx, plateID)

	status := string(traffic.StatusSent)
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Error().
			Err(err).
			Str("violation_id", bundle.ID).
			Msg("notification failed")
		status = string(traffic.StatusFailed)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}

	if err := s.repo.UpdateViolationStatus(ctx, bundle.ID, status); err != nil {
		s.log.Error().Err(err).Str("violation_id", bundle.ID).Msg("failed to update violation status")
	}
}

// lookupOwner resolves the registered owner for notification. A plate
// without an owner row gets a placeholder record so every known plate
// has exactly one owner row to fill in later.
func (s *ViolationService) lookupOwner(ctx context.Context, plateID *int64) (name, phone string) {
	if plateID == nil {
		return "", ""
	}
	owner, err := s.repo.GetOwnerForPlate(ctx, *plateID)
	if err != nil {
		s.log.Warn().Err(err).Int64("plate_id", *plateID).Msg("owner lookup failed")
		return "", ""
	}
	if owner == nil {
		placeholder := &repository.VehicleOwner{PlateID: *plateID, Name: "unknown"}
		if err := s.repo.UpsertOwner(ctx, placeholder); err != nil {
			s.log.Warn().Err(err).Int64("plate_id", *plateID).Msg("failed to create placeholder owner")
		}
		return "", ""
	}
	if owner.Name == "unknown" {
		return "", ""
	}
	if owner.Phone != nil {
		phone = *owner.Phone
	}
	return owner.Name, phone
}

// ResendNotification re-delivers the notice for an existing violation and
// refreshes its status.
func (s *ViolationService) ResendNotification(ctx context.Context, id string) error {
	if s.notifier == nil {
		return fmt.Errorf("%w: notifications are not configured", ErrInvalidInput)
	}

	row, err := s.repo.GetViolation(ctx, id)
	if err != nil {
		return fmt.Errorf("get violation: %w", err)
	}
	if row == nil {
		return fmt.Errorf("%w: violation %s", ErrNotFound, id)
	}

	msg := notify.Message{Event: eventFromRow(row)}
	msg.OwnerName, msg.OwnerPhone = s.lookupOwner(ctx, row.PlateID)

	sendErr := s.notifier.Send(ctx, msg)
	status := string(traffic.StatusSent)
	outcome := "sent"
	if sendErr != nil {
		status = string(traffic.StatusFailed)
		outcome = "failed"
	}
	metrics.NotificationsTotal.WithLabelValues(outcome).Inc()

	if err := s.repo.UpdateViolationStatus(ctx, id, status); err != nil {
		s.log.Error().Err(err).Str("violation_id", id).Msg("failed to update violation status")
	}
	if sendErr != nil {
		return fmt.Errorf("resend notification: %w", sendErr)
	}
	return nil
}

// DeleteViolation removes the row and its evidence files.
func (s *ViolationService) DeleteViolation(ctx context.Context, id string) error {
	row, err := s.repo.GetViolation(ctx, id)
	if err != nil {
		return fmt.Errorf("get violation: %w", err)
	}
	if row == nil {
		return fmt.Errorf("%w: violation %s", ErrNotFound, id)
	}

	if err := s.repo.DeleteViolation(ctx, id); err != nil {
		return fmt.Errorf("delete violation: %w", err)
	}
	if row.EvidenceDir != "" {
		if err := os.RemoveAll(row.EvidenceDir); err != nil {
			s.log.Warn().Err(err).Str("dir", row.EvidenceDir).Msg("failed to remove evidence directory")
		}
	}

	s.log.Info().Str("violation_id", id).Msg("violation deleted")
	return nil
}

func eventFromRow(row *repository.Violation) traffic.ViolationEvent {
	ev := traffic.ViolationEvent{
		TrackID:    row.TrackID,
		Class:      traffic.VehicleClass(row.VehicleClass),
		Speed:      row.Speed,
		Limit:      row.SpeedLimit,
		FrameIndex: row.FrameIndex,
		Timestamp:  row.VideoTimestamp,
		OccurredAt: row.OccurredAt,
	}
	if row.NormalizedPlate != nil {
		ev.Plate = *row.NormalizedPlate
	}
	return ev
}

func (s *ViolationService) FindViolations(ctx context.Context, plateQuery *string, from, to *string, limit, offset int) ([]ViolationInfo, error) {
	var normalizedPlate *string
	if plateQuery != nil {
		normalized := utils.NormalizePlate(*plateQuery)
		if normalized != "" {
			normalizedPlate = &normalized
		}
	}

	var fromTime, toTime *time.Time
	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		fromTime = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		toTime = &t
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.repo.FindViolations(ctx, normalizedPlate, fromTime, toTime, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find violations: %w", err)
	}

	result := make([]ViolationInfo, 0, len(rows))
	for _, v := range rows {
		result = append(result, ViolationInfo{
			ID:             v.ID,
			PlateID:        v.PlateID,
			TrackID:        v.TrackID,
			Plate:          v.NormalizedPlate,
			VehicleClass:   v.VehicleClass,
			Speed:          v.Speed,
			SpeedLimit:     v.SpeedLimit,
			FrameIndex:     v.FrameIndex,
			VideoTimestamp: v.VideoTimestamp,
			VehicleImage:   v.VehicleImage,
			PlateImage:     v.PlateImage,
			ClipPath:       v.ClipPath,
			Status:         v.Status,
			OccurredAt:     v.OccurredAt,
		})
	}
	return result, nil
}

func (s *ViolationService) FindPlates(ctx context.Context, plateQuery string) ([]PlateInfo, error) {
	normalized := utils.NormalizePlate(plateQuery)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate query cannot be empty", ErrInvalidInput)
	}

	plates, err := s.repo.FindPlatesByNormalized(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("find plates: %w", err)
	}

	result := make([]PlateInfo, 0, len(plates))
	for _, p := range plates {
		lastSeen, _ := s.repo.GetLastViolationTimeForPlate(ctx, p.ID)
		result = append(result, PlateInfo{
			ID:            p.ID,
			Number:        p.Number,
			Normalized:    p.Normalized,
			LastViolation: lastSeen,
		})
	}
	return result, nil
}

// RegisterOwner creates or updates the owner record for a plate. The
// plate row is created on demand so owners can be registered before any
// violation is seen.
func (s *ViolationService) RegisterOwner(ctx context.Context, plateNumber, name, phone, notifyChannel, notes string) error {
	normalized := utils.NormalizePlate(plateNumber)
	if normalized == "" {
		return fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if name == "" {
		return fmt.Errorf("%w: owner name is required", ErrInvalidInput)
	}

	plateID, err := s.repo.GetOrCreatePlate(ctx, normalized, plateNumber)
	if err != nil {
		return fmt.Errorf("get or create plate: %w", err)
	}

	owner := &repository.VehicleOwner{PlateID: plateID, Name: name}
	if phone != "" {
		owner.Phone = &phone
	}
	if notifyChannel != "" {
		owner.NotifyChannel = &notifyChannel
	}
	if notes != "" {
		owner.Notes = &notes
	}

	if err := s.repo.UpsertOwner(ctx, owner); err != nil {
		return fmt.Errorf("upsert owner: %w", err)
	}

	s.log.Info().
		Str("plate", normalized).
		Str("owner", name).
		Msg("owner registered")
	return nil
}

func (s *ViolationService) GetOwner(ctx context.Context, plateNumber string) (*OwnerInfo, error) {
	normalized := utils.NormalizePlate(plateNumber)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}

	plates, err := s.repo.FindPlatesByNormalized(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("find plates: %w", err)
	}
	if len(plates) == 0 {
		return nil, fmt.Errorf("%w: plate %s", ErrNotFound, normalized)
	}

	owner, err := s.repo.GetOwnerForPlate(ctx, plates[0].ID)
	if err != nil {
		return nil, fmt.Errorf("find owner: %w", err)
	}
	if owner == nil {
		return nil, fmt.Errorf("%w: no owner for plate %s", ErrNotFound, normalized)
	}

	info := &OwnerInfo{
		Plate: normalized,
		Name:  owner.Name,
	}
	if owner.Phone != nil {
		info.Phone = *owner.Phone
	}
	if owner.NotifyChannel != nil {
		info.NotifyChannel = *owner.NotifyChannel
	}
	if owner.Notes != nil {
		info.Notes = *owner.Notes
	}
	return info, nil
}

// CleanupOldViolations deletes rows older than the given number of days.
func (s *ViolationService) CleanupOldViolations(ctx context.Context, days int) (int64, error) {
	deleted, err := s.repo.DeleteOldViolations(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old violations")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old violations")
	}
	return deleted, nil
}

type ViolationInfo struct {
	ID             string    `json:"id"`
	PlateID        *int64    `json:"plate_id,omitempty"`
	TrackID        int64     `json:"track_id"`
	Plate          *string   `json:"plate,omitempty"`
	VehicleClass   string    `json:"vehicle_class"`
	Speed          float64   `json:"speed"`
	SpeedLimit     float64   `json:"speed_limit"`
	FrameIndex     int64     `json:"frame_index"`
	VideoTimestamp float64   `json:"video_timestamp"`
	VehicleImage   string    `json:"vehicle_image"`
	PlateImage     *string   `json:"plate_image,omitempty"`
	ClipPath       *string   `json:"clip_path,omitempty"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type PlateInfo struct {
	ID            int64      `json:"id"`
	Number        string     `json:"number"`
	Normalized    string     `json:"normalized"`
	LastViolation *time.Time `json:"last_violation,omitempty"`
}

type OwnerInfo struct {
	Plate         string `json:"plate"`
	Name          string `json:"name"`
	Phone         string `json:"phone,omitempty"`
	NotifyChannel string `json:"notify_channel,omitempty"`
	Notes         string `json:"notes,omitempty"`
}
