// internal/publish/bridge_test.go
package publish

import (
	"errors"
	"sync"
	"testing"

	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/register"
	"github.com/tamzrod/meter-poller/internal/status"
)

// ---- fake client ----

type publishCall struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu       sync.Mutex
	pubs     []publishCall
	subs     map[string]func(topic, payload string)
	failNext int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]func(topic, payload string))}
}

func (f *fakeClient) Publish(topic string, retained bool, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("broker away")
	}
	f.pubs = append(f.pubs, publishCall{topic: topic, retained: retained, payload: payload})
	return nil
}

func (f *fakeClient) Subscribe(topic string, handler func(topic, payload string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeClient) deliver(topic, payload string) bool {
	f.mu.Lock()
	h := f.subs[topic]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, payload)
	return true
}

func (f *fakeClient) reset() {
	f.mu.Lock()
	f.pubs = nil
	f.mu.Unlock()
}

// ---- fake target ----

type fakeTarget struct {
	regs   []*register.Register
	writes map[string]string
}

func (f *fakeTarget) Name() string { return "rs485" }
func (f *fakeTarget) Registers() []*register.Register { return f.regs }
func (f *fakeTarget) SetTextValue(r *register.Register, text string) error {
	if err := r.Handler.SetTextValue(text); err != nil {
		return err
	}
	f.writes[r.Config.Name] = text
	return nil
}

var holding = memory.Space{Name: "holding", Width: 2}

func newTarget(t *testing.T) *fakeTarget {
	t.Helper()
	tab := register.NewTable(nil)
	in := memory.NewInterner()

	tgt := &fakeTarget{writes: make(map[string]string)}
	for _, c := range []register.Config{
		{Name: "voltage", Space: holding, Address: 1, Scale: 0.1},
		{Name: "relay", Space: holding, Address: 2},
		{Name: "serial", Space: holding, Address: 3, ReadOnly: true},
	} {
		r, err := tab.Add(0, "m1", c, in)
		if err != nil {
			t.Fatal(err)
		}
		tgt.regs = append(tgt.regs, r)
	}
	return tgt
}

// ---- tests ----

func TestBridge_SubscribesWritableOnly(t *testing.T) {
	cli := newFakeClient()
	b := NewBridge(cli, Topics{Prefix: "/devices"})
	tgt := newTarget(t)

	if err := b.Attach(tgt); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(cli.subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(cli.subs))
	}
	if cli.deliver("/devices/m1/controls/serial/on", "1") {
		t.Fatalf("read-only register must not be subscribed")
	}

	if !cli.deliver("/devices/m1/controls/relay/on", "1") {
		t.Fatalf("relay not subscribed")
	}
	if tgt.writes["relay"] != "1" {
		t.Fatalf("write not routed: %v", tgt.writes)
	}
	if !tgt.regs[1].Handler.NeedToFlush() {
		t.Fatalf("register should be dirty after a broker write")
	}

	// unparsable text is rejected and logged, nothing is dirtied
	cli.deliver("/devices/m1/controls/voltage/on", "abc")
	if tgt.regs[0].Handler.NeedToFlush() {
		t.Fatalf("invalid text must not dirty the register")
	}
}

func TestBridge_PublishesOnlyChangedValues(t *testing.T) {
	cli := newFakeClient()
	b := NewBridge(cli, Topics{Prefix: "/devices"})
	r := newTarget(t).regs[0]

	r.Handler.AcceptDeviceValue(2305, true)
	b.OnRead(r, true)
	b.OnRead(r, false)

	if len(cli.pubs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(cli.pubs))
	}
	p := cli.pubs[0]
	if p.topic != "/devices/m1/controls/voltage" || p.payload != "230.5" || !p.retained {
		t.Fatalf("publish: %+v", p)
	}
}

func TestBridge_ErrorFlags(t *testing.T) {
	cli := newFakeClient()
	b := NewBridge(cli, Topics{Prefix: "/devices"})
	r := newTarget(t).regs[1]

	b.OnError(r, register.ReadWriteError)
	b.OnError(r, register.NoError)

	if len(cli.pubs) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(cli.pubs))
	}
	if cli.pubs[0].topic != "/devices/m1/controls/relay/meta/error" || cli.pubs[0].payload != "rw" {
		t.Fatalf("error publish: %+v", cli.pubs[0])
	}
	if cli.pubs[1].payload != "" {
		t.Fatalf("cleared flags: %+v", cli.pubs[1])
	}
}

func TestStatusWriter_FullThenIncremental(t *testing.T) {
	cli := newFakeClient()
	b := NewBridge(cli, Topics{Prefix: "/devices"})

	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthOK})
	if len(cli.pubs) != 4 {
		t.Fatalf("expected full re-assert (4 fields), got %d", len(cli.pubs))
	}
	if cli.pubs[0].topic != "/devices/m1/meta/status/name" || cli.pubs[0].payload != "m1" {
		t.Fatalf("identity field: %+v", cli.pubs[0])
	}

	cli.reset()
	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthError, LastErrorCode: 7})
	if len(cli.pubs) != 2 {
		t.Fatalf("expected 2 incremental publishes, got %+v", cli.pubs)
	}
	if cli.pubs[0].payload != "error" || cli.pubs[1].payload != "7" {
		t.Fatalf("incremental: %+v", cli.pubs)
	}
}

func TestStatusWriter_FailureForcesFullReassert(t *testing.T) {
	cli := newFakeClient()
	b := NewBridge(cli, Topics{Prefix: "/devices"})

	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthOK})

	cli.failNext = 1
	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthError})

	cli.reset()
	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthError, SecondsInError: 1})
	if len(cli.pubs) != 4 {
		t.Fatalf("expected full re-assert after failure, got %d publishes", len(cli.pubs))
	}
}

func TestBridge_ReassertedAfterReconnect(t *testing.T) {
	cli := newFakeClient()
	b := NewBridge(cli, Topics{Prefix: "/devices"})

	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthOK})
	b.Reasserted()

	cli.reset()
	b.WriteStatus(status.Snapshot{DeviceName: "m1", Health: status.HealthOK})
	if len(cli.pubs) != 4 {
		t.Fatalf("expected full re-assert, got %d", len(cli.pubs))
	}
}
