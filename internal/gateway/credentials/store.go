package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/mrmushfiq/langroute/internal/shared/database"
	"github.com/mrmushfiq/langroute/internal/shared/models"
)

var (
	// ErrCallerNotFound means the virtual key does not resolve to a caller.
	ErrCallerNotFound = errors.New("caller not found")
	// ErrUnsupportedProvider means a credential was supplied for a provider
	// outside models.SupportedProviders.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Backend is the caller persistence the store relies on.
type Backend interface {
	GetCaller(ctx context.Context, virtualKey string) (*models.Caller, error)
	CreateCaller(ctx context.Context, c *models.Caller) error
	UpdateCallerCredentials(ctx context.Context, virtualKey string, creds map[string]string) error
	IncrementCallerCost(ctx context.Context, virtualKey string, delta float64) error
}

// CallerCache is an optional read-through cache in front of Backend.GetCaller.
type CallerCache interface {
	Get(ctx context.Context, virtualKey string) (*models.Caller, error)
	Set(ctx context.Context, c *models.Caller) error
	Invalidate(ctx context.Context, virtualKey string) error
}

// Limits are the defaults given to newly issued callers.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Store resolves virtual keys to callers and manages their encrypted
// provider credentials.
type Store struct {
	backend  Backend
	cipher   *Cipher
	cache    CallerCache
	defaults Limits
}

// Option configures a Store.
type Option func(*Store)

// WithCache puts a CallerCache in front of caller lookups.
func WithCache(c CallerCache) Option {
	return func(s *Store) { s.cache = c }
}

// NewStore creates a credential store.
func NewStore(backend Backend, c *Cipher, defaults Limits, opts ...Option) *Store {
	s := &Store{backend: backend, cipher: c, defaults: defaults}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveCaller looks up a caller by exact virtual key match.
func (s *Store) ResolveCaller(ctx context.Context, virtualKey string) (*models.Caller, error) {
	if s.cache != nil {
		if c, err := s.cache.Get(ctx, virtualKey); err == nil {
			return c, nil
		}
	}

	c, err := s.backend.GetCaller(ctx, virtualKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve caller: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, c); err != nil {
			log.Printf("caller cache set failed: %v", err)
		}
	}
	return c, nil
}

// IssueCaller creates a caller with a fresh virtual key, empty credentials
// and default limits.
func (s *Store) IssueCaller(ctx context.Context) (*models.Caller, error) {
	creds := make(map[string]string, len(models.SupportedProviders))
	for _, p := range models.SupportedProviders {
		creds[p] = ""
	}
	c := &models.Caller{
		VirtualKey:        uuid.NewString(),
		Credentials:       creds,
		RequestsPerMinute: s.defaults.RequestsPerMinute,
		TokensPerMinute:   s.defaults.TokensPerMinute,
	}
	if err := s.backend.CreateCaller(ctx, c); err != nil {
		return nil, fmt.Errorf("issue caller: %w", err)
	}
	return c, nil
}

// SaveCredentials encrypts and stores the supplied plaintext credentials.
func (s *Store) SaveCredentials(ctx context.Context, virtualKey string, plaintext map[string]string) error {
	encrypted := make(map[string]string, len(plaintext))
	for provider, secret := range plaintext {
		if !models.IsSupportedProvider(provider) {
			return fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
		}
		encrypted[provider] = s.cipher.Encrypt(secret)
	}

	err := s.backend.UpdateCallerCredentials(ctx, virtualKey, encrypted)
	if errors.Is(err, database.ErrNotFound) {
		return ErrCallerNotFound
	}
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, virtualKey); err != nil {
			log.Printf("caller cache invalidate failed: %v", err)
		}
	}
	return nil
}

// DecryptCredentials returns the caller's plaintext credentials per provider.
func (s *Store) DecryptCredentials(c *models.Caller) (map[string]string, error) {
	out := make(map[string]string, len(c.Credentials))
	for provider, enc := range c.Credentials {
		plain, err := s.cipher.Decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("credential for %s: %w", provider, err)
		}
		out[provider] = plain
	}
	return out, nil
}

// EncryptCredential encrypts a single plaintext credential.
func (s *Store) EncryptCredential(plaintext string) string {
	return s.cipher.Encrypt(plaintext)
}

// DecryptCredential decrypts a single stored credential.
func (s *Store) DecryptCredential(ciphertext string) (string, error) {
	return s.cipher.Decrypt(ciphertext)
}

// AddCost atomically increments the caller's cumulative cost.
func (s *Store) AddCost(ctx context.Context, virtualKey string, delta float64) error {
	err := s.backend.IncrementCallerCost(ctx, virtualKey, delta)
	if errors.Is(err, database.ErrNotFound) {
		return ErrCallerNotFound
	}
	return err
}

// RedactKey shortens a virtual key for log output.
func RedactKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
