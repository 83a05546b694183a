package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/events"
	"github.com/jake-scott/devicehub/internal/pkg/ratelimit"
	"github.com/jake-scott/devicehub/internal/pkg/vendor"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/mocks"
)

var owner = authz.Principal{UserID: "owner", Roles: []authz.RoleAssociation{
	{EntityType: authz.EntityPortfolio, EntityID: authz.AllEntities, Role: authz.RoleOwner},
}}

func frontDoor(status device.LockStatus) device.Device {
	return device.Device{
		Envelope: device.Envelope{ID: "mock:front", Name: "Front door", Online: true},
		State:    &device.LockState{Status: status, RemoteEnabled: true},
	}
}

func scoped(d device.Device) device.Device {
	d.Scope = &device.TenancyScope{PortfolioID: "pf", PropertyID: "prop", UnitID: "u1"}
	return d
}

func newMock(ctrl *gomock.Controller, id string) *mocks.MockAdapter {
	a := mocks.NewMockAdapter(ctrl)
	a.EXPECT().ID().Return(id).AnyTimes()
	return a
}

func newTestHub(t *testing.T, a vendor.Adapter, opts ...Option) (*Hub, *audit.MemoryMetrics) {
	metrics := audit.NewMemoryMetrics()
	base := []Option{
		WithSettleDelay(0),
		WithGate(ratelimit.NewGate(time.Millisecond)),
		WithRecorder(audit.NewRecorder(nil, metrics)),
	}
	h := New(vendor.NewRegistry(a), append(base, opts...)...)
	return h, metrics
}

func track(t *testing.T, h *Hub, d device.Device) {
	_, err := h.AddDevice(context.Background(), owner, d)
	require.NoError(t, err)
}

func TestFetchAllDevicesReturnsPartialResults(t *testing.T) {
	ctrl := gomock.NewController(t)
	good := newMock(ctrl, "good")
	bad := newMock(ctrl, "bad")

	thermostat := device.Device{
		Envelope: device.Envelope{ID: "good:t1"},
		State:    device.NewThermostatState(),
	}
	lock := frontDoor(device.LockLocked)
	lock.ID = "good:front"
	good.EXPECT().FetchDevices(gomock.Any()).Return([]device.Device{thermostat, lock}, nil)
	bad.EXPECT().FetchDevices(gomock.Any()).Return(nil, deverr.New(deverr.AuthenticationRequired, "no token"))

	h := New(vendor.NewRegistry(good, bad))
	devices, err := h.FetchAllDevices(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing bad devices")
	assert.True(t, deverr.Is(err, deverr.AuthenticationRequired))
	require.Len(t, devices, 2)
	assert.Equal(t, "good:front", devices[0].ID)
	assert.Equal(t, "good", devices[0].Vendor)
	assert.False(t, devices[0].CreatedAt.IsZero())
	assert.Equal(t, device.KindThermostat, devices[1].Kind())
}

func TestLockVerified(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, metrics := newTestHub(t, a)
	track(t, h, scoped(frontDoor(device.LockUnlocked)))

	updates, cancel := h.Subscribe()
	defer cancel()

	gomock.InOrder(
		a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Lock{}).Return(device.Device{}, nil),
		a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").Return(frontDoor(device.LockLocked), nil),
	)

	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: owner})
	require.NoError(t, err)
	assert.Equal(t, PhaseVerified, res.Phase)
	assert.Equal(t, "owner of all portfolios", res.Reason)

	l, ok := res.Device.AsLock()
	require.True(t, ok)
	assert.Equal(t, device.LockLocked, l.Status)
	require.Len(t, l.History(), 1)
	assert.True(t, l.History()[0].Success)
	assert.Equal(t, device.OperationLock, l.History()[0].Operation)
	assert.Equal(t, "owner", l.History()[0].ActorID)

	// local scope survives the vendor snapshot
	tracked, _ := h.Device("mock:front")
	require.NotNil(t, tracked.Scope)
	assert.Equal(t, "u1", tracked.Scope.UnitID)

	select {
	case ev := <-updates:
		assert.Equal(t, events.DeviceUpdated, ev.Type)
		assert.Equal(t, "mock:front", ev.Device.ID)
	default:
		t.Fatal("no device-updated event")
	}

	assert.Equal(t, 1, metrics.Count(audit.CategoryDeviceControl, "lock", audit.OutcomeSuccess))
	assert.Equal(t, 1, metrics.Snapshot().Histograms["executeCommand"].Count)
}

func TestVerificationFailureIsRecorded(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)
	track(t, h, frontDoor(device.LockUnlocked))

	updates, cancel := h.Subscribe()
	defer cancel()

	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Lock{}).Return(device.Device{}, nil)
	a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").Return(frontDoor(device.LockUnlocked), nil)

	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: owner})
	require.Error(t, err)
	assert.True(t, deverr.Is(err, deverr.StateVerificationFailed))
	assert.Equal(t, PhaseVerificationFailed, res.Phase)

	// the re-read state wins over the optimistic update
	tracked, _ := h.Device("mock:front")
	l, _ := tracked.AsLock()
	assert.Equal(t, device.LockUnlocked, l.Status)
	require.Len(t, l.History(), 1)
	assert.False(t, l.History()[0].Success)
	assert.Equal(t, "state-verification-failed", l.History()[0].FailureReason)

	assert.Len(t, updates, 0)
}

func TestUnlockNeedsPresence(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	verifier := authz.NewAssertionVerifier("presence", time.Minute)
	h, metrics := newTestHub(t, a, WithAuthorizer(authz.NewService(verifier)))
	track(t, h, frontDoor(device.LockLocked))

	req := Request{DeviceID: "mock:front", Command: command.Unlock{}, Principal: owner}
	res, err := h.ExecuteCommand(context.Background(), req)
	assert.True(t, deverr.Is(err, deverr.PresenceRequired))
	assert.Equal(t, PhaseRejected, res.Phase)
	assert.Equal(t, 1, metrics.Count(audit.CategorySecurity, "authorize unlock", audit.OutcomeFailed))

	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Unlock{}).Return(device.Device{}, nil)
	a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").Return(frontDoor(device.LockUnlocked), nil)

	req.Presence, err = verifier.Issue("owner", "mock:front", "unlock")
	require.NoError(t, err)
	res, err = h.ExecuteCommand(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, PhaseVerified, res.Phase)

	l, _ := res.Device.AsLock()
	history := l.History()
	require.Len(t, history, 2)
	assert.Equal(t, "presence-required", history[0].FailureReason)
	assert.False(t, history[0].Success)
	assert.True(t, history[1].Success)
	assert.Equal(t, device.OperationUnlock, history[1].Operation)
}

func TestPermissionDenied(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)
	track(t, h, scoped(frontDoor(device.LockLocked)))

	neighbour := authz.Principal{UserID: "t2", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityUnit, EntityID: "u2", Role: authz.RoleTenant},
	}}
	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: neighbour})
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))
	assert.Equal(t, PhaseRejected, res.Phase)

	l, _ := res.Device.AsLock()
	require.Len(t, l.History(), 1)
	assert.Equal(t, "permission-denied", l.History()[0].FailureReason)
}

func TestUnsupportedCommandNeverReachesVendor(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)
	track(t, h, frontDoor(device.LockLocked))

	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.SetBrightness{Level: 10}, Principal: owner})
	assert.True(t, deverr.Is(err, deverr.CommandNotSupported))
	assert.Equal(t, PhaseRejected, res.Phase)
}

func TestBudgetRejectsWithoutQueueing(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a, WithBudget(ratelimit.NewBudget(1, time.Hour)))

	plug := device.Device{
		Envelope: device.Envelope{ID: "mock:plug", Online: true},
		State:    &device.SwitchState{Type: device.SwitchOutlet},
	}
	track(t, h, plug)

	on := plug.Clone()
	s, _ := on.AsSwitch()
	s.On = true
	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:plug", command.TurnOn{}).Return(device.Device{}, nil)
	a.EXPECT().GetDeviceState(gomock.Any(), "mock:plug").Return(on, nil)

	_, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:plug", Command: command.TurnOn{}, Principal: owner})
	require.NoError(t, err)

	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:plug", Command: command.TurnOff{}, Principal: owner})
	assert.True(t, deverr.Is(err, deverr.RateLimitExceeded))
	assert.Equal(t, PhaseRejected, res.Phase)
	e, _ := deverr.As(err)
	assert.Greater(t, e.Delay(), time.Duration(0))
}

func TestCommandTimeoutReleasesCaller(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, metrics := newTestHub(t, a, WithCommandTimeout(50*time.Millisecond))
	track(t, h, frontDoor(device.LockUnlocked))

	release := make(chan struct{})
	finished := make(chan struct{})
	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Lock{}).
		DoAndReturn(func(ctx context.Context, _ string, _ command.Command) (device.Device, error) {
			<-release
			// the vendor call is not cancelled with the caller
			assert.NoError(t, ctx.Err())
			return device.Device{}, nil
		})
	a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").
		DoAndReturn(func(context.Context, string) (device.Device, error) {
			defer close(finished)
			return frontDoor(device.LockLocked), nil
		})

	start := time.Now()
	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: owner})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, deverr.Is(err, deverr.Timeout))
	assert.Equal(t, PhaseTimedOut, res.Phase)
	assert.Equal(t, 1, metrics.Count(audit.CategoryDeviceControl, "lock", audit.OutcomePending))

	l, _ := res.Device.AsLock()
	require.Len(t, l.History(), 1)
	assert.Equal(t, "timeout", l.History()[0].FailureReason)

	close(release)
	<-finished
	assert.Eventually(t, func() bool {
		d, _ := h.Device("mock:front")
		l, _ := d.AsLock()
		return l.Status == device.LockLocked && len(l.History()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLateRollbackKeepsAccessHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a, WithCommandTimeout(50*time.Millisecond))
	track(t, h, frontDoor(device.LockUnlocked))

	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Lock{}).
		Return(device.Device{}, deverr.New(deverr.DeviceOffline, "bridge unreachable"))
	_, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: owner})
	require.Error(t, err)

	release := make(chan struct{})
	finished := make(chan struct{})
	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Lock{}).
		DoAndReturn(func(context.Context, string, command.Command) (device.Device, error) {
			<-release
			return device.Device{}, nil
		})
	a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").
		DoAndReturn(func(context.Context, string) (device.Device, error) {
			defer close(finished)
			return device.Device{}, deverr.New(deverr.DeviceOffline, "bridge unreachable")
		})

	_, err = h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: owner})
	assert.True(t, deverr.Is(err, deverr.Timeout))

	historyLen := func() int {
		d, _ := h.Device("mock:front")
		l, _ := d.AsLock()
		return len(l.History())
	}
	require.Equal(t, 2, historyLen())

	// the optimistic update and the rollback both land after the timeout
	// record was appended
	close(release)
	<-finished
	assert.Never(t, func() bool { return historyLen() != 2 }, 100*time.Millisecond, 5*time.Millisecond)

	d, _ := h.Device("mock:front")
	l, _ := d.AsLock()
	assert.Equal(t, device.LockUnlocked, l.Status)
	history := l.History()
	assert.Equal(t, "device-offline", history[0].FailureReason)
	assert.Equal(t, "timeout", history[1].FailureReason)
}

func TestAddDeviceDropsSuppliedHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)

	door := frontDoor(device.LockLocked)
	l, _ := door.AsLock()
	l.AppendAccess(device.AccessRecord{Time: time.Now(), Operation: device.OperationUnlock, ActorID: "forger", Success: true})

	added, err := h.AddDevice(context.Background(), owner, door)
	require.NoError(t, err)
	stored, _ := added.AsLock()
	assert.Empty(t, stored.History())
	assert.Len(t, l.History(), 1, "caller's copy is untouched")
}

func TestAdministrationFollowsScope(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, metrics := newTestHub(t, a)
	track(t, h, scoped(frontDoor(device.LockLocked)))
	ctx := context.Background()

	tenant := authz.Principal{UserID: "t1", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityUnit, EntityID: "u1", PropertyID: "prop", Role: authz.RoleTenant},
	}}
	err := h.RemoveDevice(ctx, tenant, "mock:front")
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))
	_, err = h.UpdateDeviceHealth(ctx, tenant, "mock:front", false)
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))
	_, err = h.AddDevice(ctx, tenant, scoped(device.Device{
		Envelope: device.Envelope{ID: "mock:back", Name: "Back door"},
		State:    &device.LockState{Status: device.LockUnlocked, RemoteEnabled: true},
	}))
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))

	d, ok := h.Device("mock:front")
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.Equal(t, 1, metrics.Count(audit.CategorySecurity, "administer removeDevice", audit.OutcomeFailed))
	assert.Equal(t, 1, metrics.Count(audit.CategorySecurity, "administer addDevice", audit.OutcomeFailed))

	// the tracked scope decides, not the caller's view of it
	otherManager := authz.Principal{UserID: "m2", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityProperty, EntityID: "prop2", Role: authz.RolePropertyManager},
	}}
	err = h.RemoveDevice(ctx, otherManager, "mock:front")
	assert.True(t, deverr.Is(err, deverr.PermissionDenied))

	manager := authz.Principal{UserID: "m1", Roles: []authz.RoleAssociation{
		{EntityType: authz.EntityProperty, EntityID: "prop", Role: authz.RolePropertyManager},
	}}
	_, err = h.UpdateDeviceHealth(ctx, manager, "mock:front", false)
	require.NoError(t, err)
	require.NoError(t, h.RemoveDevice(ctx, manager, "mock:front"))
}

func TestVendorFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)
	track(t, h, frontDoor(device.LockUnlocked))

	a.EXPECT().ExecuteCommand(gomock.Any(), "mock:front", command.Lock{}).
		Return(device.Device{}, deverr.New(deverr.DeviceOffline, "bridge unreachable"))

	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:front", Command: command.Lock{}, Principal: owner})
	assert.True(t, deverr.Is(err, deverr.DeviceOffline))
	assert.Equal(t, PhaseFailed, res.Phase)

	l, _ := res.Device.AsLock()
	assert.Equal(t, device.LockUnlocked, l.Status)
	require.Len(t, l.History(), 1)
	assert.Equal(t, "device-offline", l.History()[0].FailureReason)
}

func TestUntrackedDeviceIsReadFromVendor(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)

	a.EXPECT().GetDeviceState(gomock.Any(), "mock:ghost").
		Return(device.Device{}, deverr.New(deverr.DeviceNotFound, "no such device"))

	res, err := h.ExecuteCommand(context.Background(), Request{DeviceID: "mock:ghost", Command: command.Lock{}, Principal: owner})
	assert.True(t, deverr.Is(err, deverr.DeviceNotFound))
	assert.Equal(t, PhaseRejected, res.Phase)

	_, err = h.ExecuteCommand(context.Background(), Request{DeviceID: "nobody:1", Command: command.Lock{}, Principal: owner})
	assert.True(t, deverr.Is(err, deverr.DeviceNotFound))
}

func TestTrackingLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)
	ctx := context.Background()

	updates, cancel := h.Subscribe()
	defer cancel()

	added, err := h.AddDevice(ctx, owner, frontDoor(device.LockLocked))
	require.NoError(t, err)
	assert.Equal(t, "mock", added.Vendor)
	assert.False(t, added.CreatedAt.IsZero())
	assert.Equal(t, events.DeviceUpdated, (<-updates).Type)

	_, err = h.AddDevice(ctx, owner, frontDoor(device.LockLocked))
	assert.True(t, errors.Is(err, ErrDeviceExists))

	_, err = h.AddDevice(ctx, owner, device.Device{Envelope: device.Envelope{ID: "other:1"}, State: &device.GenericState{}})
	assert.True(t, deverr.Is(err, deverr.DeviceNotFound))

	_, err = h.AddDevice(ctx, owner, device.Device{Envelope: device.Envelope{ID: "mock:nostate"}})
	assert.True(t, deverr.Is(err, deverr.MappingError))

	d, err := h.UpdateDeviceHealth(ctx, owner, "mock:front", false)
	require.NoError(t, err)
	assert.False(t, d.Online)
	assert.Equal(t, events.DeviceUpdated, (<-updates).Type)

	// no change, no event
	_, err = h.UpdateDeviceHealth(ctx, owner, "mock:front", false)
	require.NoError(t, err)
	assert.Len(t, updates, 0)

	_, err = h.UpdateDeviceHealth(ctx, owner, "mock:missing", true)
	assert.True(t, deverr.Is(err, deverr.DeviceNotFound))

	require.NoError(t, h.RemoveDevice(ctx, owner, "mock:front"))
	assert.Equal(t, events.DeviceRemoved, (<-updates).Type)
	assert.Empty(t, h.Devices())
	assert.True(t, deverr.Is(h.RemoveDevice(ctx, owner, "mock:front"), deverr.DeviceNotFound))
}

func TestGetDeviceStatePublishesChanges(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "mock")
	h, _ := newTestHub(t, a)
	track(t, h, frontDoor(device.LockLocked))

	updates, cancel := h.Subscribe()
	defer cancel()

	a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").Return(frontDoor(device.LockLocked), nil)
	a.EXPECT().GetDeviceState(gomock.Any(), "mock:front").Return(frontDoor(device.LockJammed), nil)

	_, err := h.GetDeviceState(context.Background(), "mock:front")
	require.NoError(t, err)
	assert.Len(t, updates, 0)

	d, err := h.GetDeviceState(context.Background(), "mock:front")
	require.NoError(t, err)
	l, _ := d.AsLock()
	assert.Equal(t, device.LockJammed, l.Status)
	assert.Equal(t, events.DeviceUpdated, (<-updates).Type)
}
