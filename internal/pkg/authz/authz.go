// Package authz decides whether a caller may operate a device, based on the
// caller's role associations in the portfolio/property/unit hierarchy and
// any time-boxed guest grant.
package authz

import (
	"context"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
)

type EntityType string

const (
	EntityPortfolio EntityType = "portfolio"
	EntityProperty  EntityType = "property"
	EntityUnit      EntityType = "unit"
)

// AllEntities as an entity id matches every entity of its type
const AllEntities = "*"

type Role string

const (
	RoleOwner           Role = "owner"
	RolePortfolioAdmin  Role = "portfolio-admin"
	RolePropertyManager Role = "property-manager"
	RoleTenant          Role = "tenant"
)

// RoleAssociation is one role the user holds on one entity. Unit ids are
// only unique inside their property, so unit associations name the property
// too.
type RoleAssociation struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Role       Role       `json:"role"`
	PropertyID string     `json:"propertyId,omitempty"`
}

// matches reports whether the association names the entity at its level in
// scope
func (ra RoleAssociation) matches(scope device.TenancyScope) bool {
	id := scopeID(scope, ra.EntityType)
	if id == "" || id != ra.EntityID {
		return false
	}
	if ra.EntityType == EntityUnit && scope.PropertyID != "" {
		return ra.PropertyID == scope.PropertyID
	}
	return true
}

// GuestGrant gives temporary access to a list of devices
type GuestGrant struct {
	DeviceIDs  []string        `json:"deviceIds"`
	ValidFrom  strfmt.DateTime `json:"validFrom"`
	ValidUntil strfmt.DateTime `json:"validUntil"`
	PropertyID string          `json:"propertyId,omitempty"`
	UnitID     string          `json:"unitId,omitempty"`
}

// Active reports whether now falls inside [ValidFrom, ValidUntil]
func (g GuestGrant) Active(now time.Time) bool {
	from, until := time.Time(g.ValidFrom), time.Time(g.ValidUntil)
	return !now.Before(from) && !now.After(until)
}

// Covers reports whether the grant applies to d at now
func (g GuestGrant) Covers(d device.Device, now time.Time) bool {
	if !g.Active(now) {
		return false
	}

	listed := false
	for _, id := range g.DeviceIDs {
		if id == d.ID {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}

	scope := d.TenancyScope()
	if g.PropertyID != "" && g.PropertyID != scope.PropertyID {
		return false
	}
	if g.UnitID != "" && g.UnitID != scope.UnitID {
		return false
	}
	return true
}

// Principal is the authenticated caller
type Principal struct {
	UserID string
	Roles  []RoleAssociation
	Guest  *GuestGrant
}

func (p Principal) IsZero() bool {
	return p.UserID == "" && len(p.Roles) == 0 && p.Guest == nil
}

// RoleTable maps each role to the entity level it grants access at. An
// association grants access when its entity id matches the device scope's
// id at that level.
type RoleTable map[Role]EntityType

func DefaultRoles() RoleTable {
	return RoleTable{
		RoleOwner:           EntityPortfolio,
		RolePortfolioAdmin:  EntityPortfolio,
		RolePropertyManager: EntityProperty,
		RoleTenant:          EntityUnit,
	}
}

func scopeID(s device.TenancyScope, level EntityType) string {
	switch level {
	case EntityPortfolio:
		return s.PortfolioID
	case EntityProperty:
		return s.PropertyID
	case EntityUnit:
		return s.UnitID
	}
	return ""
}

type Service struct {
	roles    RoleTable
	presence PresenceVerifier
	now      func() time.Time
}

type Option func(*Service)

func WithRoles(t RoleTable) Option {
	return func(s *Service) { s.roles = t }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the authorizer. presence may be nil, in which case
// sensitive commands are always refused with PresenceRequired.
func NewService(presence PresenceVerifier, opts ...Option) *Service {
	s := &Service{
		roles:    DefaultRoles(),
		presence: presence,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// remoteEnabled is false only for locks with remote operation switched off
func remoteEnabled(d device.Device) bool {
	if l, ok := d.AsLock(); ok {
		return l.RemoteEnabled
	}
	return true
}

// Authorize decides whether p may send cmd to d. The returned reason names
// the rule that granted access.
func (s *Service) Authorize(p Principal, d device.Device, cmd command.Command) (string, error) {
	if !remoteEnabled(d) {
		return "", deverr.Newf(deverr.SecurityPolicyViolation, "remote operation is disabled for %s", d.ID)
	}

	scope := d.TenancyScope()
	for _, ra := range p.Roles {
		level, ok := s.roles[ra.Role]
		if !ok || level != ra.EntityType {
			continue
		}
		// "*" at portfolio level covers every device, scoped or not
		if level == EntityPortfolio && ra.EntityID == AllEntities {
			return string(ra.Role) + " of all portfolios", nil
		}
		if ra.matches(scope) {
			return string(ra.Role) + " of " + string(level) + " " + ra.EntityID, nil
		}
	}

	if p.Guest != nil && p.Guest.Covers(d, s.now()) {
		return "guest grant", nil
	}

	return "", deverr.Newf(deverr.PermissionDenied, "user %q may not %s %s", p.UserID, cmd.Name(), d.ID)
}

// administrators may change which devices are tracked and report their
// health; tenants and guests only operate devices
var administrators = map[Role]bool{
	RoleOwner:           true,
	RolePortfolioAdmin:  true,
	RolePropertyManager: true,
}

// Administer decides whether p may perform action (add, remove, health) on
// the device with the given scope. Unscoped devices need an administrator
// of all portfolios.
func (s *Service) Administer(p Principal, deviceID string, scope device.TenancyScope, action string) (string, error) {
	for _, ra := range p.Roles {
		if !administrators[ra.Role] {
			continue
		}
		level, ok := s.roles[ra.Role]
		if !ok || level != ra.EntityType {
			continue
		}
		if level == EntityPortfolio && ra.EntityID == AllEntities {
			return string(ra.Role) + " of all portfolios", nil
		}
		if ra.matches(scope) {
			return string(ra.Role) + " of " + string(level) + " " + ra.EntityID, nil
		}
	}

	return "", deverr.Newf(deverr.PermissionDenied, "user %q may not %s %s", p.UserID, action, deviceID)
}

// ConfirmPresence runs the proof-of-presence step for sensitive commands.
// Other commands pass without a proof.
func (s *Service) ConfirmPresence(ctx context.Context, p Principal, d device.Device, cmd command.Command, proof string) error {
	if !command.IsSensitive(cmd) {
		return nil
	}
	if s.presence == nil {
		return deverr.New(deverr.PresenceRequired, "no presence verifier is configured")
	}
	if proof == "" {
		return deverr.Newf(deverr.PresenceRequired, "%s requires proof of presence", cmd.Name())
	}
	return s.presence.VerifyPresence(ctx, p, d.ID, cmd.Name(), proof)
}
