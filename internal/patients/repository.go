package patients

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covecare/callops/internal/phone"
)

// Repository defines the patient lookups the call core depends on. The
// resolver only reads; Create exists for the registration surface and is
// never invoked on behalf of an unmatched caller.
type Repository interface {
	Create(ctx context.Context, req *CreatePatientRequest) (*Patient, error)
	GetByID(ctx context.Context, id string) (*Patient, error)
	FindByPhoneDisplay(ctx context.Context, display string) (*Patient, error)
	FindByPhoneDigits(ctx context.Context, digits string) (*Patient, error)
	FindByPhoneSuffix(ctx context.Context, suffix string) (*Patient, error)
}

// InMemoryRepository keeps patients in a map; used in tests and dev boot.
type InMemoryRepository struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		patients: make(map[string]*Patient),
	}
}

// Create registers a new patient in memory.
func (r *InMemoryRepository) Create(ctx context.Context, req *CreatePatientRequest) (*Patient, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := &Patient{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Phone:       phone.Format(req.Phone),
		PhoneDigits: phone.Normalize(req.Phone),
		ChartNumber: req.ChartNumber,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	r.patients[p.ID] = p
	r.mu.Unlock()

	return p, nil
}

// GetByID retrieves a patient by ID
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

// FindByPhoneDisplay matches the stored display form exactly.
func (r *InMemoryRepository) FindByPhoneDisplay(ctx context.Context, display string) (*Patient, error) {
	return r.find(func(p *Patient) bool { return p.Phone == display })
}

// FindByPhoneDigits matches the canonical digit form exactly.
func (r *InMemoryRepository) FindByPhoneDigits(ctx context.Context, digits string) (*Patient, error) {
	return r.find(func(p *Patient) bool { return p.PhoneDigits == digits })
}

// FindByPhoneSuffix matches on the trailing digits of the stored number.
func (r *InMemoryRepository) FindByPhoneSuffix(ctx context.Context, suffix string) (*Patient, error) {
	if suffix == "" {
		return nil, ErrPatientNotFound
	}
	return r.find(func(p *Patient) bool { return strings.HasSuffix(p.PhoneDigits, suffix) })
}

func (r *InMemoryRepository) find(match func(*Patient) bool) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Patient
	for _, p := range r.patients {
		if !match(p) {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrPatientNotFound
	}
	return best, nil
}
