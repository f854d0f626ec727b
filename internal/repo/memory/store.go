// Package memory implements every repository on process memory. One mutex guards the whole
// store so each method is atomic with respect to the others, mirroring the transactional
// guarantees of the Postgres implementations.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/repo"
	"github.com/google/uuid"
)

// Store holds all in-memory state
type Store struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*model.User
	otps    []*model.OtpRecord
	devices map[uuid.UUID]*model.Device
	tokens  map[uuid.UUID]*model.RefreshToken
}

// New creates an empty Store
func New() *Store {
	return &Store{
		users:   make(map[uuid.UUID]*model.User),
		devices: make(map[uuid.UUID]*model.Device),
		tokens:  make(map[uuid.UUID]*model.RefreshToken),
	}
}

// Repos returns the repository bundle backed by this store
func (s *Store) Repos() repo.Store {
	return repo.Store{
		Users:         s.Users(),
		Otps:          s.Otps(),
		Devices:       s.Devices(),
		RefreshTokens: s.RefreshTokens(),
	}
}

func (s *Store) Users() repo.UserRepo { return &userRepo{s} }
func (s *Store) Otps() repo.OtpRepo { return &otpRepo{s} }
func (s *Store) Devices() repo.DeviceRepo { return &deviceRepo{s} }
func (s *Store) RefreshTokens() repo.RefreshRepo { return &refreshRepo{s} }

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, repo.ErrNotFound)
}

// users

type userRepo struct{ s *Store }

func (r *userRepo) byEmail(email string) *model.User {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.s.users {
		if strings.ToLower(u.Email) == email {
			return u
		}
	}
	return nil
}

func (r *userRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return model.User{}, notFound("user")
	}
	return *u, nil
}

func (r *userRepo) FindByEmail(_ context.Context, email string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := r.byEmail(email)
	if u == nil {
		return model.User{}, notFound("user")
	}
	return *u, nil
}

func (r *userRepo) ExistsByEmail(_ context.Context, email string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.byEmail(email) != nil, nil
}

func (r *userRepo) Create(_ context.Context, u model.User) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.byEmail(u.Email) != nil {
		return model.User{}, fmt.Errorf("create user: %w", repo.ErrConflict)
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	stored := u
	r.s.users[u.ID] = &stored
	return u, nil
}

func (r *userRepo) IncrementFailedAttempts(_ context.Context, email string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := r.byEmail(email)
	if u == nil {
		return 0, notFound("increment failed attempts")
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (r *userRepo) ResetFailedAttempts(_ context.Context, email string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u := r.byEmail(email); u != nil {
		u.FailedLoginAttempts = 0
		u.AccountLockedUntil = nil
	}
	return nil
}

func (r *userRepo) LockAccount(_ context.Context, email string, until time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u := r.byEmail(email); u != nil {
		u.AccountLockedUntil = &until
	}
	return nil
}

func (r *userRepo) RecordLogin(_ context.Context, id uuid.UUID, at time.Time, ip string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return notFound("record login")
	}
	u.LastLoginAt = &at
	u.LastLoginIP = ip
	return nil
}

// otp records

type otpRepo struct{ s *Store }

func (r *otpRepo) latest(identifier string, otpType model.OtpType, match func(*model.OtpRecord) bool) *model.OtpRecord {
	var found *model.OtpRecord
	for _, rec := range r.s.otps {
		if rec.Identifier != identifier || rec.Type != otpType || !match(rec) {
			continue
		}
		if found == nil || !rec.CreatedAt.Before(found.CreatedAt) {
			found = rec
		}
	}
	return found
}

func (r *otpRepo) CreateWithCooldown(_ context.Context, rec model.OtpRecord, cooldownSince time.Time) (model.OtpRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if latest := r.latest(rec.Identifier, rec.Type, func(*model.OtpRecord) bool { return true }); latest != nil {
		if latest.CreatedAt.After(cooldownSince) {
			return *latest, repo.ErrCooldown
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Attempts = 0
	rec.Verified = false
	stored := rec
	r.s.otps = append(r.s.otps, &stored)
	return rec, nil
}

func (r *otpRepo) LatestPending(_ context.Context, identifier string, otpType model.OtpType) (model.OtpRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec := r.latest(identifier, otpType, func(o *model.OtpRecord) bool { return !o.Verified })
	if rec == nil {
		return model.OtpRecord{}, notFound("otp record")
	}
	return *rec, nil
}

func (r *otpRepo) LatestVerified(_ context.Context, identifier string, otpType model.OtpType) (model.OtpRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *model.OtpRecord
	for _, rec := range r.s.otps {
		if rec.Identifier != identifier || rec.Type != otpType || !rec.Verified || rec.VerifiedAt == nil {
			continue
		}
		if found == nil || rec.VerifiedAt.After(*found.VerifiedAt) {
			found = rec
		}
	}
	if found == nil {
		return model.OtpRecord{}, notFound("otp record")
	}
	return *found, nil
}

func (r *otpRepo) GetByID(_ context.Context, id uuid.UUID) (model.OtpRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rec := range r.s.otps {
		if rec.ID == id {
			return *rec, nil
		}
	}
	return model.OtpRecord{}, notFound("otp record")
}

func (r *otpRepo) RegisterAttempt(_ context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (model.OtpRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rec := range r.s.otps {
		if rec.ID != id {
			continue
		}
		if rec.Verified || rec.Attempts >= maxAttempts || rec.IsLocked(now) {
			break
		}
		rec.Attempts++
		if rec.Attempts >= maxAttempts {
			until := lockUntil
			rec.LockedUntil = &until
		}
		return *rec, nil
	}
	return model.OtpRecord{}, notFound("otp record")
}

func (r *otpRepo) MarkVerified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rec := range r.s.otps {
		if rec.ID == id && !rec.Verified {
			rec.Verified = true
			rec.VerifiedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (r *otpRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.otps[:0]
	var deleted int64
	for _, rec := range r.s.otps {
		if rec.ExpiresAt.Before(before) && (rec.LockedUntil == nil || rec.LockedUntil.Before(before)) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.s.otps = kept
	return deleted, nil
}

// devices

type deviceRepo struct{ s *Store }

func (r *deviceRepo) byFingerprint(userID uuid.UUID, fingerprint string) *model.Device {
	for _, d := range r.s.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return d
		}
	}
	return nil
}

func (r *deviceRepo) filter(userID uuid.UUID, match func(*model.Device) bool) []model.Device {
	var out []model.Device
	for _, d := range r.s.devices {
		if d.UserID == userID && match(d) {
			out = append(out, *d)
		}
	}
	// oldest activity first; ties broken by id like the SQL ORDER BY
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.Before(out[j].LastActiveAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (r *deviceRepo) Upsert(_ context.Context, d model.Device) (model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing := r.byFingerprint(d.UserID, d.Fingerprint); existing != nil {
		existing.IPAddress = d.IPAddress
		existing.UserAgent = d.UserAgent
		existing.DeviceName = d.DeviceName
		existing.LastActiveAt = d.LastActiveAt
		existing.IsActive = true
		return *existing, nil
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.IsActive = true
	d.IsStreaming = false
	stored := d
	r.s.devices[d.ID] = &stored
	return d, nil
}

func (r *deviceRepo) FindByUserAndFingerprint(_ context.Context, userID uuid.UUID, fingerprint string) (model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.byFingerprint(userID, fingerprint)
	if d == nil {
		return model.Device{}, notFound("device")
	}
	return *d, nil
}

func (r *deviceRepo) GetByID(_ context.Context, id uuid.UUID) (model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return model.Device{}, notFound("device")
	}
	return *d, nil
}

func (r *deviceRepo) ListActive(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filter(userID, func(d *model.Device) bool { return d.IsActive }), nil
}

func (r *deviceRepo) CountActive(_ context.Context, userID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.filter(userID, func(d *model.Device) bool { return d.IsActive })), nil
}

func (r *deviceRepo) ListStreaming(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filter(userID, func(d *model.Device) bool { return d.IsActive && d.IsStreaming }), nil
}

func (r *deviceRepo) StartStreaming(_ context.Context, userID, deviceID uuid.UUID, maxStreaming int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	others := r.filter(userID, func(d *model.Device) bool {
		return d.IsActive && d.IsStreaming && d.ID != deviceID
	})
	if len(others) >= maxStreaming {
		return false, nil
	}
	d, ok := r.s.devices[deviceID]
	if !ok || d.UserID != userID || !d.IsActive {
		return false, notFound("start streaming")
	}
	d.IsStreaming = true
	return true, nil
}

func (r *deviceRepo) StopStreaming(_ context.Context, userID, deviceID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[deviceID]; ok && d.UserID == userID {
		d.IsStreaming = false
	}
	return nil
}

func (r *deviceRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[id]; ok && d.LastActiveAt.Before(at) {
		d.LastActiveAt = at
	}
	return nil
}

func (r *deviceRepo) DeactivateAndRevoke(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return notFound("deactivate device")
	}
	d.IsActive = false
	d.IsStreaming = false
	r.s.revokeWhere(func(t *model.RefreshToken) bool { return t.DeviceID == id }, reason, at)
	return nil
}

func (r *deviceRepo) DeactivateInactive(_ context.Context, before time.Time, reason string, at time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stale := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, d := range r.s.devices {
		if d.IsActive && d.LastActiveAt.Before(before) {
			d.IsActive = false
			d.IsStreaming = false
			stale[d.ID] = true
			ids = append(ids, d.ID)
		}
	}
	r.s.revokeWhere(func(t *model.RefreshToken) bool { return stale[t.DeviceID] }, reason, at)
	return ids, nil
}

// refresh tokens

// revokeWhere must be called with mu held
func (s *Store) revokeWhere(match func(*model.RefreshToken) bool, reason string, at time.Time) int64 {
	var n int64
	for _, t := range s.tokens {
		if !t.Revoked && match(t) {
			t.Revoked = true
			revokedAt := at
			t.RevokedAt = &revokedAt
			t.RevokedReason = reason
			n++
		}
	}
	return n
}

type refreshRepo struct{ s *Store }

func (r *refreshRepo) hashTaken(hash string) bool {
	for _, existing := range r.s.tokens {
		if existing.TokenHash == hash {
			return true
		}
	}
	return false
}

// insert must be called with mu held, after hashTaken
func (r *refreshRepo) insert(t model.RefreshToken) model.RefreshToken {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Revoked = false
	t.RevokedAt = nil
	t.RevokedReason = ""
	stored := t
	stored.DeviceFingerprint = ""
	r.s.tokens[t.ID] = &stored
	return t
}

func (r *refreshRepo) Issue(_ context.Context, t model.RefreshToken) (model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.hashTaken(t.TokenHash) {
		return model.RefreshToken{}, fmt.Errorf("insert refresh token: %w", repo.ErrConflict)
	}
	r.s.revokeWhere(func(old *model.RefreshToken) bool { return old.DeviceID == t.DeviceID }, repo.RevokedSuperseded, t.CreatedAt)
	return r.insert(t), nil
}

func (r *refreshRepo) FindByHash(_ context.Context, tokenHash string) (model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tokens {
		if t.TokenHash != tokenHash {
			continue
		}
		d, ok := r.s.devices[t.DeviceID]
		if !ok {
			break
		}
		out := *t
		out.DeviceFingerprint = d.Fingerprint
		return out, nil
	}
	return model.RefreshToken{}, notFound("refresh token")
}

func (r *refreshRepo) Rotate(_ context.Context, oldID uuid.UUID, next model.RefreshToken) (model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.tokens[oldID]
	if !ok || old.Revoked {
		return model.RefreshToken{}, notFound("rotate refresh token")
	}
	if r.hashTaken(next.TokenHash) {
		return model.RefreshToken{}, fmt.Errorf("insert refresh token: %w", repo.ErrConflict)
	}
	old.Revoked = true
	at := next.CreatedAt
	old.RevokedAt = &at
	old.RevokedReason = repo.RevokedRotated
	return r.insert(next), nil
}

func (r *refreshRepo) RevokeByDevice(_ context.Context, deviceID uuid.UUID, reason string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.revokeWhere(func(t *model.RefreshToken) bool { return t.DeviceID == deviceID }, reason, at), nil
}

func (r *refreshRepo) RevokeByUser(_ context.Context, userID uuid.UUID, reason string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.revokeWhere(func(t *model.RefreshToken) bool { return t.UserID == userID }, reason, at), nil
}

func (r *refreshRepo) DeleteExpiredOrRevoked(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.tokens {
		if t.Revoked || t.ExpiresAt.Before(now) {
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}
