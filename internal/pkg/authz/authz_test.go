package authz_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/authz/mocks"
	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func lockIn(id, unit string) device.Device {
	return device.Device{
		Envelope: device.Envelope{
			ID:    id,
			Scope: &device.TenancyScope{PortfolioID: "pf1", PropertyID: "prop1", UnitID: unit},
		},
		State: &device.LockState{Status: device.LockLocked, RemoteEnabled: true},
	}
}

func newService(presence authz.PresenceVerifier) *authz.Service {
	return authz.NewService(presence, authz.WithClock(func() time.Time { return now }))
}

func TestRoleAssociations(t *testing.T) {
	s := newService(nil)
	unitA := lockIn("cloudhub:a", "unitA")
	unitB := lockIn("cloudhub:b", "unitB")

	tenant := authz.Principal{UserID: "t1", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityUnit, EntityID: "unitA", PropertyID: "prop1", Role: authz.RoleTenant},
	}}
	reason, err := s.Authorize(tenant, unitA, command.Unlock{})
	assert.NoError(t, err)
	assert.Equal(t, "tenant of unit unitA", reason)
	_, err = s.Authorize(tenant, unitB, command.Unlock{})
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))

	// unit ids repeat across properties
	elsewhere := lockIn("cloudhub:c", "unitA")
	elsewhere.Scope.PropertyID = "prop2"
	_, err = s.Authorize(tenant, elsewhere, command.Unlock{})
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))

	unfiled := authz.Principal{UserID: "t3", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityUnit, EntityID: "unitA", Role: authz.RoleTenant},
	}}
	_, err = s.Authorize(unfiled, unitA, command.Lock{})
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))

	manager := authz.Principal{UserID: "m1", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityProperty, EntityID: "prop1", Role: authz.RolePropertyManager},
	}}
	for _, d := range []device.Device{unitA, unitB} {
		reason, err := s.Authorize(manager, d, command.Lock{})
		assert.NoError(t, err)
		assert.Equal(t, "property-manager of property prop1", reason)
	}

	admin := authz.Principal{UserID: "a1", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityPortfolio, EntityID: "pf1", Role: authz.RolePortfolioAdmin},
	}}
	_, err = s.Authorize(admin, unitB, command.Unlock{})
	assert.NoError(t, err)

	// a tenant role attached to a property grants nothing
	misfiled := authz.Principal{UserID: "t2", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityProperty, EntityID: "prop1", Role: authz.RoleTenant},
	}}
	_, err = s.Authorize(misfiled, unitA, command.Lock{})
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))
}

func TestAdminister(t *testing.T) {
	s := newService(nil)
	scope := device.TenancyScope{PortfolioID: "pf1", PropertyID: "prop1", UnitID: "unitA"}

	allowed := map[string]authz.RoleAssociation{
		"owner of all":     {EntityType: authz.EntityPortfolio, EntityID: authz.AllEntities, Role: authz.RoleOwner},
		"portfolio admin":  {EntityType: authz.EntityPortfolio, EntityID: "pf1", Role: authz.RolePortfolioAdmin},
		"property manager": {EntityType: authz.EntityProperty, EntityID: "prop1", Role: authz.RolePropertyManager},
	}
	for name, ra := range allowed {
		t.Run(name, func(t *testing.T) {
			_, err := s.Administer(authz.Principal{UserID: "u", Roles: []authz.RoleAssociation{ra}}, "cloudhub:a", scope, "remove")
			assert.NoError(t, err)
		})
	}

	denied := map[string]authz.RoleAssociation{
		"tenant of the unit":     {EntityType: authz.EntityUnit, EntityID: "unitA", PropertyID: "prop1", Role: authz.RoleTenant},
		"other portfolio admin":  {EntityType: authz.EntityPortfolio, EntityID: "pf2", Role: authz.RolePortfolioAdmin},
		"other property manager": {EntityType: authz.EntityProperty, EntityID: "prop2", Role: authz.RolePropertyManager},
	}
	for name, ra := range denied {
		t.Run(name, func(t *testing.T) {
			_, err := s.Administer(authz.Principal{UserID: "u", Roles: []authz.RoleAssociation{ra}}, "cloudhub:a", scope, "remove")
			assert.True(t, deverr.Is(err, deverr.PermissionDenied))
		})
	}

	// unscoped devices belong to nobody below the top
	manager := authz.Principal{UserID: "m", Roles: []authz.RoleAssociation{allowed["property manager"]}}
	_, err := s.Administer(manager, "hue:1", device.TenancyScope{}, "add")
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))
}

func TestOwnerOfAllPortfolios(t *testing.T) {
	s := newService(nil)
	owner := authz.Principal{UserID: "o", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityPortfolio, EntityID: authz.AllEntities, Role: authz.RoleOwner},
	}}

	unscoped := device.Device{Envelope: device.Envelope{ID: "hue:1"}, State: &device.LightState{}}
	_, err := s.Authorize(owner, unscoped, command.TurnOn{})
	assert.NoError(t, err)

	_, err = s.Authorize(authz.Principal{UserID: "x"}, unscoped, command.TurnOn{})
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))
}

func TestRemoteDisabledDeniesEveryone(t *testing.T) {
	s := newService(nil)
	d := lockIn("lockvendora:1", "unitA")
	l, _ := d.AsLock()
	l.RemoteEnabled = false

	owner := authz.Principal{UserID: "o", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityPortfolio, EntityID: authz.AllEntities, Role: authz.RoleOwner},
	}}
	_, err := s.Authorize(owner, d, command.Lock{})
	assert.True(t, deverr.Is(err, deverr.SecurityPolicyViolation))
}

func TestGuestGrants(t *testing.T) {
	s := newService(nil)
	d := lockIn("cloudhub:front", "unitA")

	grant := func(from, until time.Time, unit string, ids ...string) authz.Principal {
		return authz.Principal{UserID: "guest", Guest: &authz.GuestGrant{
			DeviceIDs:  ids,
			ValidFrom:  strfmt.DateTime(from),
			ValidUntil: strfmt.DateTime(until),
			UnitID:     unit,
		}}
	}

	tests := []struct {
		name    string
		p       authz.Principal
		allowed bool
	}{
		{"active", grant(now.Add(-time.Hour), now.Add(time.Hour), "", "cloudhub:front"), true},
		{"scoped to the unit", grant(now.Add(-time.Hour), now.Add(time.Hour), "unitA", "cloudhub:front"), true},
		{"expired", grant(now.Add(-2*time.Hour), now.Add(-time.Minute), "", "cloudhub:front"), false},
		{"not yet valid", grant(now.Add(time.Minute), now.Add(time.Hour), "", "cloudhub:front"), false},
		{"other device", grant(now.Add(-time.Hour), now.Add(time.Hour), "", "cloudhub:back"), false},
		{"other unit", grant(now.Add(-time.Hour), now.Add(time.Hour), "unitB", "cloudhub:front"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, err := s.Authorize(tt.p, d, command.Unlock{})
			if tt.allowed {
				assert.NoError(t, err)
				assert.Equal(t, "guest grant", reason)
			} else {
				assert.True(t, deverr.Is(err, deverr.PermissionDenied))
			}
		})
	}
}

func TestConfirmPresence(t *testing.T) {
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockPresenceVerifier(ctrl)
	s := newService(verifier)

	p := authz.Principal{UserID: "t1"}
	d := lockIn("cloudhub:a", "unitA")

	// only unlock needs presence
	assert.NoError(t, s.ConfirmPresence(context.Background(), p, d, command.Lock{}, ""))

	err := s.ConfirmPresence(context.Background(), p, d, command.Unlock{}, "")
	assert.True(t, deverr.Is(err, deverr.PresenceRequired))

	verifier.EXPECT().
		VerifyPresence(gomock.Any(), p, "cloudhub:a", "unlock", "proof").
		Return(nil)
	assert.NoError(t, s.ConfirmPresence(context.Background(), p, d, command.Unlock{}, "proof"))

	err = newService(nil).ConfirmPresence(context.Background(), p, d, command.Unlock{}, "proof")
	assert.True(t, deverr.Is(err, deverr.PresenceRequired))
}

func TestAssertionVerifier(t *testing.T) {
	v := authz.NewAssertionVerifier("presence-secret", time.Minute)
	p := authz.Principal{UserID: "u1"}

	proof, err := v.Issue("u1", "cloudhub:a", "unlock")
	require.NoError(t, err)
	assert.NoError(t, v.VerifyPresence(context.Background(), p, "cloudhub:a", "unlock", proof))

	// one assertion confirms one command
	err = v.VerifyPresence(context.Background(), p, "cloudhub:a", "unlock", proof)
	assert.True(t, deverr.Is(err, deverr.PresenceRequired))

	second, err := v.Issue("u1", "cloudhub:a", "unlock")
	require.NoError(t, err)
	assert.NoError(t, v.VerifyPresence(context.Background(), p, "cloudhub:a", "unlock", second))

	rejected := []struct {
		name             string
		user, device, op string
		proof            string
	}{
		{"other device", "u1", "cloudhub:b", "unlock", proof},
		{"other operation", "u1", "cloudhub:a", "lock", proof},
		{"other user", "u2", "cloudhub:a", "unlock", proof},
		{"garbage", "u1", "cloudhub:a", "unlock", "not-a-jwt"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifyPresence(context.Background(), authz.Principal{UserID: tt.user}, tt.device, tt.op, tt.proof)
			assert.True(t, deverr.Is(err, deverr.PresenceRequired))
		})
	}

	other := authz.NewAssertionVerifier("another-secret", time.Minute)
	err = other.VerifyPresence(context.Background(), p, "cloudhub:a", "unlock", proof)
	assert.True(t, deverr.Is(err, deverr.PresenceRequired))
}

func TestBearerTokens(t *testing.T) {
	b := authz.NewBearerParser("jwt-secret", "property-backend")
	from := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	until := from.Add(24 * time.Hour)

	in := authz.Principal{
		UserID: "u1",
		Roles: []authz.RoleAssociation{
			{EntityType: authz.EntityUnit, EntityID: "unitA", PropertyID: "prop1", Role: authz.RoleTenant},
		},
		Guest: &authz.GuestGrant{
			DeviceIDs:  []string{"cloudhub:front"},
			ValidFrom:  strfmt.DateTime(from),
			ValidUntil: strfmt.DateTime(until),
		},
	}

	token, err := b.Issue(in, time.Hour)
	require.NoError(t, err)

	out, err := b.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, in.Roles, out.Roles)
	require.NotNil(t, out.Guest)
	assert.True(t, time.Time(out.Guest.ValidFrom).Equal(from))
	assert.True(t, time.Time(out.Guest.ValidUntil).Equal(until))

	expired, err := b.Issue(in, -time.Minute)
	require.NoError(t, err)
	_, err = b.Parse(expired)
	assert.True(t, deverr.Is(err, deverr.AuthenticationFailed))

	_, err = authz.NewBearerParser("jwt-secret", "someone-else").Parse(token)
	assert.True(t, deverr.Is(err, deverr.AuthenticationFailed))

	_, err = authz.NewBearerParser("wrong", "").Parse(token)
	assert.True(t, deverr.Is(err, deverr.AuthenticationFailed))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := authz.PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := authz.WithPrincipal(context.Background(), authz.Principal{UserID: "u1"})
	p, ok := authz.PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
}
