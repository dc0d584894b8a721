package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/woundscan/internal/auth"
	"github.com/example/woundscan/internal/blobstore"
	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/inference"
	"github.com/example/woundscan/internal/repository"
)

// memoryRepository is an in-memory history store with a monotonic clock.
type memoryRepository struct {
	mu        sync.Mutex
	accounts  map[string]*repository.Account
	records   []repository.CaptureRecord
	seq       int64
	clock     time.Time
	createErr error
	// ackErr is returned after the record has been stored, as when a commit's reply is lost.
	ackErr    error
	findErr   error
	onCreate  func()
	calls     int
}

func newMemoryRepository(accounts ...*repository.Account) *memoryRepository {
	repo := &memoryRepository{
		accounts: make(map[string]*repository.Account),
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, a := range accounts {
		repo.accounts[a.Email] = a
	}
	return repo
}

func (m *memoryRepository) FindAccountByEmail(_ context.Context, email string) (*repository.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	account, ok := m.accounts[email]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *memoryRepository) CreateCapture(ctx context.Context, record *repository.CaptureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.onCreate != nil {
		m.onCreate()
	}
	if m.createErr != nil {
		return m.createErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	m.seq++
	record.Seq = m.seq
	m.clock = m.clock.Add(time.Second)
	record.CreatedAt = m.clock
	stored := *record
	stored.Owner = nil
	m.records = append(m.records, stored)
	return m.ackErr
}

func (m *memoryRepository) FindCaptureByID(_ context.Context, ownerID, id uuid.UUID) (*repository.CaptureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.records {
		if r.ID == id && r.OwnerID == ownerID {
			copied := r
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryRepository) FindCapturesByOwner(_ context.Context, ownerID uuid.UUID, domain capture.Domain) ([]repository.CaptureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := []repository.CaptureRecord{}
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.Domain == domain {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// memoryBlobStore records uploads and deletes.
type memoryBlobStore struct {
	mu          sync.Mutex
	objects     map[string]blobstore.UploadResult
	uploads     int
	deleted     []string
	uploadErr   error
	blockUpload bool
	deleteErr   error
	deleteCtxOK []bool
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: make(map[string]blobstore.UploadResult)}
}

func (b *memoryBlobStore) Upload(ctx context.Context, namespace string, raw []byte, transform blobstore.TransformSpec) (*blobstore.UploadResult, error) {
	b.mu.Lock()
	b.uploads++
	b.mu.Unlock()

	if b.blockUpload {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}

	bounded, err := imageprocessor.BoundLongestSide(raw, transform.MaxSide, transform.MaxPixels)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%s.%s", namespace, uuid.NewString(), bounded.Format)
	res := blobstore.UploadResult{
		DeliveryURL:  "https://cdn.example.com/" + key,
		CanonicalURL: "s3://captures/" + key,
		StorageID:    key,
		Width:        bounded.Width,
		Height:       bounded.Height,
		Format:       bounded.Format,
	}

	b.mu.Lock()
	b.objects[key] = res
	b.mu.Unlock()
	return &res, nil
}

func (b *memoryBlobStore) Delete(ctx context.Context, storageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, storageID)
	b.deleteCtxOK = append(b.deleteCtxOK, ctx.Err() == nil)
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.objects, storageID)
	return nil
}

type harness struct {
	repo   *memoryRepository
	blobs  *memoryBlobStore
	engine *inference.StaticEngine
	uc     *CaptureUseCase
	query  *HistoryQueryService
}

var (
	alice = &repository.Account{
		ID: uuid.MustParse("11111111-1111-1111-1111-111111111111"), FirstName: "Alice", LastName: "Ade",
		Email: "alice@example.com", PasswordHash: "$2a$10$secret", Role: "patient",
	}
	bob = &repository.Account{
		ID: uuid.MustParse("22222222-2222-2222-2222-222222222222"), FirstName: "Bob", LastName: "Eze",
		Email: "bob@example.com", PasswordHash: "$2a$10$other", Role: "patient",
	}
)

func newHarness(t *testing.T, idem IdempotencyStore) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.UploadTimeout = time.Second
	opts.PersistTimeout = time.Second
	opts.CompensationTimeout = time.Second

	h := &harness{
		repo:  newMemoryRepository(alice, bob),
		blobs: newMemoryBlobStore(),
		engine: &inference.StaticEngine{Scores: map[string][]float32{
			opts.ModelRefs[capture.DomainBurn]:  {0.1, 0.825, 0.075},
			opts.ModelRefs[capture.DomainWound]: {0.05, 0.05, 0.05, 0.7, 0.05, 0.05, 0.05},
		}},
	}
	h.uc = NewCaptureUseCase(h.repo, h.blobs, imageprocessor.NewPreprocessor(16),
		inference.NewRegistry(h.engine, nil), idem, opts, nil)
	h.query = NewHistoryQueryService(h.repo, nil)
	return h
}

func as(account *repository.Account) context.Context {
	return auth.WithSubject(context.Background(), account.Email)
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func requireKind(t *testing.T, err error, kind capture.Kind) *capture.Error {
	t.Helper()
	require.Error(t, err)
	var capErr *capture.Error
	require.True(t, errors.As(err, &capErr), "expected *capture.Error, got %T: %v", err, err)
	require.Equal(t, kind, capErr.Kind, "unexpected kind: %v", err)
	return capErr
}
