// Package contact maps inbound WhatsApp senders onto CRM members.
package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"golang.org/x/sync/singleflight"
)

// Placeholder names for members provisioned without a usable profile name.
const (
	DefaultFirstName = "Utilisateur"
	DefaultLastName  = "Membre"
)

// MemberStore is the subset of store.Store the resolver needs.
type MemberStore interface {
	GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error)
	CreateMember(ctx context.Context, in models.MemberInput) (*models.Member, error)
}

// Opts holds configuration options for the Resolver.
type Opts struct {
	AutoCreate bool
}

// Option defines a configuration option for the Resolver.
type Option func(*Opts)

// WithAutoCreate enables or disables provisioning members for unknown senders.
func WithAutoCreate(enabled bool) Option {
	return func(o *Opts) { o.AutoCreate = enabled }
}

// Resolver finds or provisions the member behind a phone number.
type Resolver struct {
	store      MemberStore
	autoCreate bool
	group      singleflight.Group
}

// NewResolver creates a Resolver. Auto-creation is on unless disabled.
func NewResolver(store MemberStore, opts ...Option) *Resolver {
	cfg := Opts{AutoCreate: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{store: store, autoCreate: cfg.AutoCreate}
}

// Resolve returns the member for rawPhone, creating one from profileName when
// allowed. It returns nil, nil when the sender is unknown and auto-creation is off.
//
// Concurrent calls for one phone in this process share a single lookup. Across
// processes the store's unique phone constraint decides: a losing insert
// re-reads the winner's row.
func (r *Resolver) Resolve(ctx context.Context, rawPhone, profileName string) (*models.Member, error) {
	phone := messaging.CanonicalizePhone(rawPhone)
	if phone == "" {
		return nil, fmt.Errorf("%w: no digits in sender %q", models.ErrInvalidPhone, rawPhone)
	}

	// The shared lookup must outlive whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(phone, func() (interface{}, error) {
		return r.resolve(shared, phone, profileName)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("Resolver.Resolve: shared in-flight resolution", "phone", phone)
		}
		m, _ := res.Val.(*models.Member)
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) resolve(ctx context.Context, phone, profileName string) (*models.Member, error) {
	m, err := r.store.GetMemberByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to look up member %s: %w", phone, err)
	}
	if m != nil {
		return m, nil
	}
	if !r.autoCreate {
		slog.Info("Resolver.resolve: unknown sender and auto creation disabled", "phone", phone)
		return nil, nil
	}

	first, last := SplitName(profileName)
	m, err = r.store.CreateMember(ctx, models.MemberInput{FirstName: first, LastName: last, Phone: phone})
	if errors.Is(err, models.ErrConflict) {
		slog.Debug("Resolver.resolve: lost creation race, re-reading", "phone", phone)
		m, err = r.store.GetMemberByPhone(ctx, phone)
		if err == nil && m == nil {
			err = fmt.Errorf("member %s vanished after conflict: %w", phone, models.ErrNotFound)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to provision member %s: %w", phone, err)
	}
	slog.Info("Resolver.resolve: new member created from WhatsApp", "memberID", m.ID, "phone", phone, "name", m.FullName())
	return m, nil
}

// SplitName splits a WhatsApp profile name into first and last name: the
// first whitespace-delimited token, then the remainder or a placeholder.
func SplitName(profileName string) (first, last string) {
	fields := strings.Fields(profileName)
	switch len(fields) {
	case 0:
		return DefaultFirstName, DefaultLastName
	case 1:
		return clip(fields[0]), DefaultLastName
	default:
		return clip(fields[0]), clip(strings.Join(fields[1:], " "))
	}
}

func clip(s string) string {
	r := []rune(s)
	if len(r) > models.MaxNameLength {
		return string(r[:models.MaxNameLength])
	}
	return s
}
