package tunnel

import "github.com/benmeehan/iot-tunnel/internal/models"

// Notifications receives the externally visible signals of an Instance. Callbacks run on the
// instance loop and must not block.
type Notifications interface {
	// OnStateChanged is called on every session state transition.
	OnStateChanged(inst *Instance, state State)
	// OnLogin is called once per login attempt; errText is empty on success.
	OnLogin(inst *Instance, errText string)
	// OnDevicePair is called for every newly established pairing.
	OnDevicePair(inst *Instance, pair models.DevicePair)
}

// NopNotifications ignores every callback.
type NopNotifications struct{}

func (NopNotifications) OnStateChanged(*Instance, State)           {}
func (NopNotifications) OnLogin(*Instance, string)                 {}
func (NopNotifications) OnDevicePair(*Instance, models.DevicePair) {}

// Notifiers fans every callback out to each element in order.
type Notifiers []Notifications

func (n Notifiers) OnStateChanged(inst *Instance, state State) {
	for _, x := range n {
		x.OnStateChanged(inst, state)
	}
}

func (n Notifiers) OnLogin(inst *Instance, errText string) {
	for _, x := range n {
		x.OnLogin(inst, errText)
	}
}

func (n Notifiers) OnDevicePair(inst *Instance, pair models.DevicePair) {
	for _, x := range n {
		x.OnDevicePair(inst, pair)
	}
}
