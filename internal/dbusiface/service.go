// Package dbusiface exposes the mediation core over the system bus as
// /net/hadess/PowerProfiles, implementing net.hadess.PowerProfiles. It
// owns the bus name, the object's org.freedesktop.DBus.Properties
// Get/GetAll/Set dispatch, and emits PropertiesChanged whenever the core
// publishes a coalesced change.
package dbusiface

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/core"
)

const (
	busName       = "net.hadess.PowerProfiles"
	objectPath    = dbus.ObjectPath("/net/hadess/PowerProfiles")
	ifaceName     = "net.hadess.PowerProfiles"
	propsIface    = "org.freedesktop.DBus.Properties"
	errInvalid    = ifaceName + ".InvalidProfile"
	errInhibited  = ifaceName + ".ProfileInhibited"
	errNoSuchProp = ifaceName + ".NoSuchProperty"
)

// ErrNameLost is returned by RequestName when the well-known name could
// not be acquired. Losing the name before startup completed is fatal;
// losing it afterwards means another daemon superseded us and is a clean
// exit.
var ErrNameLost = errors.New("could not acquire the bus name")

// Service is the D-Bus front door onto a *core.Core.
type Service struct {
	logger  hclog.Logger
	core    *core.Core
	conn    *dbus.Conn
	replace bool

	nameLost chan struct{}
}

// New connects to the system bus and exports the object, but does not yet
// request the well-known name — call RequestName to do that.
func New(logger hclog.Logger, c *core.Core, replace bool) (*Service, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	s := &Service{
		logger:   logger.Named("dbus"),
		core:     c,
		conn:     conn,
		replace:  replace,
		nameLost: make(chan struct{}, 1),
	}

	if err := conn.Export(s, objectPath, propsIface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export properties interface: %w", err)
	}
	node := introspectNode()
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export introspectable interface: %w", err)
	}

	return s, nil
}

// RequestName acquires (or, with replace, takes over) the well-known bus
// name. Replacement by a successor is always allowed; replacing a
// predecessor needs the explicit flag.
func (s *Service) RequestName() error {
	flags := dbus.NameFlagAllowReplacement
	if s.replace {
		flags |= dbus.NameFlagReplaceExisting
	}

	reply, err := s.conn.RequestName(busName, flags)
	if err != nil {
		return fmt.Errorf("request name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("%w: reply code %d", ErrNameLost, reply)
	}

	signal := make(chan *dbus.Signal, 8)
	s.conn.Signal(signal)
	go s.watchNameOwnerChanged(signal)

	return nil
}

// watchNameOwnerChanged pushes to nameLost if another process supersedes
// us on the well-known name; after startup that is a clean handover, not
// an error. It listens for NameLost, which the bus sends directly to the
// connection that lost the name, so no match rule is needed.
func (s *Service) watchNameOwnerChanged(signals <-chan *dbus.Signal) {
	for sig := range signals {
		if sig.Name != "org.freedesktop.DBus.NameLost" || len(sig.Body) != 1 {
			continue
		}
		name, _ := sig.Body[0].(string)
		if name == busName {
			select {
			case s.nameLost <- struct{}{}:
			default:
			}
		}
	}
}

// NameLost fires once if the bus name is lost after being acquired.
func (s *Service) NameLost() <-chan struct{} {
	return s.nameLost
}

// Close releases the bus connection.
func (s *Service) Close() error {
	return s.conn.Close()
}

// NotifyPropertiesChanged implements core.Notifier: snap is the state the
// core just committed and is emitted as a single coalesced
// PropertiesChanged signal. It must not call back into s.core.Snapshot:
// the core is still inside the call that produced snap.
func (s *Service) NotifyPropertiesChanged(mask core.PropertyMask, snap core.Snapshot) {
	changed := make(map[string]dbus.Variant)

	if mask&core.PropActiveProfile != 0 {
		changed["ActiveProfile"] = dbus.MakeVariant(snap.ActiveProfile)
	}
	if mask&core.PropInhibited != 0 {
		changed["PerformanceInhibited"] = dbus.MakeVariant(snap.PerformanceInhibited)
	}
	if mask&core.PropProfiles != 0 {
		changed["Profiles"] = dbus.MakeVariant(profilesVariant(snap.Profiles))
	}
	if mask&core.PropActions != 0 {
		changed["Actions"] = dbus.MakeVariant(snap.Actions)
	}

	err := s.conn.Emit(objectPath, propsIface+".PropertiesChanged", ifaceName, changed, []string{})
	if err != nil {
		s.logger.Warn("failed to emit PropertiesChanged", "error", err)
	}
}

func profilesVariant(entries []core.ProfileEntry) []map[string]dbus.Variant {
	out := make([]map[string]dbus.Variant, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]dbus.Variant{
			"Profile": dbus.MakeVariant(e.Profile),
			"Driver":  dbus.MakeVariant(e.Driver),
		})
	}
	return out
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (s *Service) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != ifaceName {
		return dbus.Variant{}, dbus.NewError(errNoSuchProp, []interface{}{fmt.Sprintf("no such interface: %s", iface)})
	}
	snap := s.core.Snapshot()
	switch property {
	case "ActiveProfile":
		return dbus.MakeVariant(snap.ActiveProfile), nil
	case "PerformanceInhibited":
		return dbus.MakeVariant(snap.PerformanceInhibited), nil
	case "Profiles":
		return dbus.MakeVariant(profilesVariant(snap.Profiles)), nil
	case "Actions":
		return dbus.MakeVariant(snap.Actions), nil
	default:
		return dbus.Variant{}, dbus.NewError(errNoSuchProp, []interface{}{fmt.Sprintf("no such property: %s", property)})
	}
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll.
func (s *Service) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != ifaceName {
		return nil, dbus.NewError(errNoSuchProp, []interface{}{fmt.Sprintf("no such interface: %s", iface)})
	}
	snap := s.core.Snapshot()
	return map[string]dbus.Variant{
		"ActiveProfile":        dbus.MakeVariant(snap.ActiveProfile),
		"PerformanceInhibited": dbus.MakeVariant(snap.PerformanceInhibited),
		"Profiles":             dbus.MakeVariant(profilesVariant(snap.Profiles)),
		"Actions":              dbus.MakeVariant(snap.Actions),
	}, nil
}

// Set implements org.freedesktop.DBus.Properties.Set, the sole entry
// point for client-driven profile changes.
func (s *Service) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface != ifaceName {
		return dbus.NewError(errNoSuchProp, []interface{}{fmt.Sprintf("no such interface: %s", iface)})
	}
	if property != "ActiveProfile" {
		return dbus.NewError(errNoSuchProp, []interface{}{fmt.Sprintf("no such property: %s", property)})
	}

	name, ok := value.Value().(string)
	if !ok {
		return dbus.NewError(errInvalid, []interface{}{"ActiveProfile must be a string"})
	}

	if err := s.core.SetActiveProfile(context.Background(), name); err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidProfile):
			return dbus.NewError(errInvalid, []interface{}{err.Error()})
		case errors.Is(err, core.ErrProfileInhibited):
			return dbus.NewError(errInhibited, []interface{}{err.Error()})
		default:
			return dbus.NewError(ifaceName+".Failed", []interface{}{err.Error()})
		}
	}
	return nil
}
