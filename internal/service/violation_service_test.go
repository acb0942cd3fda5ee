package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedcam-service/internal/domain/traffic"
	"speedcam-service/internal/notify"
	"speedcam-service/internal/repository"
)

type memoryStore struct {
	plates     map[string]int64
	nextPlate  int64
	violations map[string]*repository.Violation
	owners     map[int64]*repository.VehicleOwner
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		plates:     map[string]int64{},
		nextPlate:  1,
		violations: map[string]*repository.Violation{},
		owners:     map[int64]*repository.VehicleOwner{},
	}
}

func (m *memoryStore) GetOrCreatePlate(_ context.Context, normalized, _ string) (int64, error) {
	if id, ok := m.plates[normalized]; ok {
		return id, nil
	}
	id := m.nextPlate
	m.nextPlate++
	m.plates[normalized] = id
	return id, nil
}

func (m *memoryStore) CreateViolation(_ context.Context, v *repository.Violation) error {
	m.violations[v.ID] = v
	return nil
}

func (m *memoryStore) GetViolation(_ context.Context, id string) (*repository.Violation, error) {
	return m.violations[id], nil
}

func (m *memoryStore) DeleteViolation(_ context.Context, id string) error {
	delete(m.violations, id)
	return nil
}

func (m *memoryStore) UpdateViolationStatus(_ context.Context, id, status string) error {
	v, ok := m.violations[id]
	if !ok {
		return errors.New("no such violation")
	}
	v.Status = status
	return nil
}

func (m *memoryStore) FindViolations(_ context.Context, normalizedPlate *string, _, _ *time.Time, _, _ int) ([]repository.Violation, error) {
	var out []repository.Violation
	for _, v := range m.violations {
		if normalizedPlate != nil && (v.NormalizedPlate == nil || *v.NormalizedPlate != *normalizedPlate) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (m *memoryStore) FindPlatesByNormalized(_ context.Context, normalized string) ([]repository.Plate, error) {
	id, ok := m.plates[normalized]
	if !ok {
		return nil, nil
	}
	return []repository.Plate{{ID: id, Number: normalized, Normalized: normalized}}, nil
}

func (m *memoryStore) GetLastViolationTimeForPlate(_ context.Context, _ int64) (*time.Time, error) {
	return nil, nil
}

func (m *memoryStore) GetOwnerForPlate(_ context.Context, plateID int64) (*repository.VehicleOwner, error) {
	return m.owners[plateID], nil
}

func (m *memoryStore) UpsertOwner(_ context.Context, owner *repository.VehicleOwner) error {
	m.owners[owner.PlateID] = owner
	return nil
}

func (m *memoryStore) DeleteOldViolations(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

type stubNotifier struct {
	sent []notify.Message
	err  error
}

func (n *stubNotifier) Send(_ context.Context, msg notify.Message) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func testBundle(plate string) *traffic.EvidenceBundle {
	b := &traffic.EvidenceBundle{
		ID: "a1b2c3d4-0000-0000-0000-000000000000",
		Event: traffic.ViolationEvent{
			TrackID:    3,
			Plate:      plate,
			Class:      traffic.ClassCar,
			Speed:      58.2,
			Limit:      40,
			FrameIndex: 120,
			Timestamp:  4,
			OccurredAt: time.Now(),
		},
		Dir:              "violations/2026-08-31/" + plate,
		VehicleImagePath: "violations/2026-08-31/x/vehicle.jpg",
	}
	if plate != "" {
		b.PlateImagePath = "violations/2026-08-31/x/plate.jpg"
	}
	return b
}

func TestRecordPersistsAndNotifies(t *testing.T) {
	store := newMemoryStore()
	notifier := &stubNotifier{}
	svc := NewViolationService(store, notifier, zerolog.Nop())

	bundle := testBundle("34A12345")
	require.NoError(t, svc.Record(context.Background(), bundle))

	row, ok := store.violations[bundle.ID]
	require.True(t, ok)
	assert.Equal(t, "sent", row.Status)
	require.NotNil(t, row.NormalizedPlate)
	assert.Equal(t, "34A12345", *row.NormalizedPlate)
	assert.Equal(t, 58.2, row.Speed)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "34A12345", notifier.sent[0].Event.Plate)
}

func TestRecordNotificationFailureKeepsRow(t *testing.T) {
	store := newMemoryStore()
	notifier := &stubNotifier{err: errors.New("channel unreachable")}
	svc := NewViolationService(store, notifier, zerolog.Nop())

	bundle := testBundle("34A12345")
	require.NoError(t, svc.Record(context.Background(), bundle))

	row, ok := store.violations[bundle.ID]
	require.True(t, ok)
	assert.Equal(t, "failed", row.Status)
}

func TestRecordRejectsMissingVehicleImage(t *testing.T) {
	store := newMemoryStore()
	svc := NewViolationService(store, nil, zerolog.Nop())

	bundle := testBundle("34A12345")
	bundle.VehicleImagePath = ""

	err := svc.Record(context.Background(), bundle)
	assert.ErrorIs(t, err, ErrIncompleteEvidence)
	assert.Empty(t, store.violations)
}

func TestRecordRollsBackWhenNoPlateEvidence(t *testing.T) {
	store := newMemoryStore()
	svc := NewViolationService(store, nil, zerolog.Nop())

	bundle := testBundle("")

	err := svc.Record(context.Background(), bundle)
	assert.ErrorIs(t, err, ErrIncompleteEvidence)
	assert.Empty(t, store.violations)
}

func TestRecordIncludesOwnerInNotification(t *testing.T) {
	store := newMemoryStore()
	notifier := &stubNotifier{}
	svc := NewViolationService(store, notifier, zerolog.Nop())

	require.NoError(t, svc.RegisterOwner(context.Background(), "34A12345", "Tran Thi B", "+84 901 111 111", "", ""))
	require.NoError(t, svc.Record(context.Background(), testBundle("34A12345")))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "Tran Thi B", notifier.sent[0].OwnerName)
	assert.Equal(t, "+84 901 111 111", notifier.sent[0].OwnerPhone)
}

func TestRecordCreatesPlaceholderOwner(t *testing.T) {
	store := newMemoryStore()
	notifier := &stubNotifier{}
	svc := NewViolationService(store, notifier, zerolog.Nop())

	require.NoError(t, svc.Record(context.Background(), testBundle("34A12345")))

	plateID := store.plates["34A12345"]
	owner, ok := store.owners[plateID]
	require.True(t, ok)
	assert.Equal(t, "unknown", owner.Name)

	require.Len(t, notifier.sent, 1)
	assert.Empty(t, notifier.sent[0].OwnerName)
}

func TestResendNotification(t *testing.T) {
	store := newMemoryStore()
	notifier := &stubNotifier{}
	svc := NewViolationService(store, notifier, zerolog.Nop())

	bundle := testBundle("34A12345")
	require.NoError(t, svc.Record(context.Background(), bundle))
	notifier.sent = nil

	require.NoError(t, svc.ResendNotification(context.Background(), bundle.ID))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "34A12345", notifier.sent[0].Event.Plate)
	assert.Equal(t, "sent", store.violations[bundle.ID].Status)
}

func TestResendNotificationUnknownID(t *testing.T) {
	svc := NewViolationService(newMemoryStore(), &stubNotifier{}, zerolog.Nop())

	err := svc.ResendNotification(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteViolationRemovesRowAndFiles(t *testing.T) {
	store := newMemoryStore()
	svc := NewViolationService(store, nil, zerolog.Nop())

	dir := t.TempDir()
	evidenceDir := filepath.Join(dir, "34A12345")
	require.NoError(t, os.MkdirAll(evidenceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(evidenceDir, "vehicle.jpg"), []byte("img"), 0o644))

	bundle := testBundle("34A12345")
	bundle.Dir = evidenceDir
	require.NoError(t, svc.Record(context.Background(), bundle))

	require.NoError(t, svc.DeleteViolation(context.Background(), bundle.ID))

	assert.Empty(t, store.violations)
	_, err := os.Stat(evidenceDir)
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterOwnerValidation(t *testing.T) {
	svc := NewViolationService(newMemoryStore(), nil, zerolog.Nop())

	err := svc.RegisterOwner(context.Background(), "", "Someone", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = svc.RegisterOwner(context.Background(), "34A12345", "", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetOwnerNotFound(t *testing.T) {
	svc := NewViolationService(newMemoryStore(), nil, zerolog.Nop())

	_, err := svc.GetOwner(context.Background(), "34A12345")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindViolationsRejectsBadTimeRange(t *testing.T) {
	svc := NewViolationService(newMemoryStore(), nil, zerolog.Nop())

	bad := "yesterday"
	_, err := svc.FindViolations(context.Background(), nil, &bad, nil, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
