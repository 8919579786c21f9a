// internal/publish/types.go
package publish

import "github.com/tamzrod/meter-poller/internal/register"

// Client is the exact contract the publish layer uses.
// Handlers run on the client's own goroutines.
type Client interface {
	Publish(topic string, retained bool, payload string) error
	Subscribe(topic string, handler func(topic, payload string)) error
}

// Target is one port's register set as the bridge sees it.
type Target interface {
	Name() string
	Registers() []*register.Register
	SetTextValue(r *register.Register, text string) error
}

// ---- topics ----

// Topics builds the topic layout under one prefix:
//
//	<prefix>/<device>/controls/<register>             value (retained)
//	<prefix>/<device>/controls/<register>/meta/error  error flags (retained)
//	<prefix>/<device>/controls/<register>/on          writes from the broker
//	<prefix>/<device>/meta/status/<field>             device status block
type Topics struct {
	Prefix string
}

func (t Topics) Value(r *register.Register) string {
	return t.Prefix + "/" + r.DeviceName + "/controls/" + r.Config.Name
}

func (t Topics) Error(r *register.Register) string {
	return t.Value(r) + "/meta/error"
}

func (t Topics) On(r *register.Register) string {
	return t.Value(r) + "/on"
}

func (t Topics) Status(device, field string) string {
	return t.Prefix + "/" + device + "/meta/status/" + field
}

// Online is the driver availability topic, also used as the last will.
func (t Topics) Online(clientID string) string {
	return t.Prefix + "/meta/meterpoller/" + clientID + "/online"
}
