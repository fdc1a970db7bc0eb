package scenario

import (
	"github.com/roach88/cascade/internal/syncer"
)

// tracingTransport records publishes and deliveries passing through the
// hub.
type tracingTransport struct {
	inner syncer.Transport
	run   *run
}

func (t *tracingTransport) Register(reg syncer.Registration) (syncer.Handle, error) {
	apply := reg.Apply
	reg.Apply = func(u syncer.Update) {
		t.run.record(Event{Kind: KindDeliver, Session: reg.SessionID, Store: reg.Key, From: u.SessionID, Update: &u})
		apply(u)
	}
	h, err := t.inner.Register(reg)
	if err != nil {
		return nil, err
	}
	return &tracingHandle{Handle: h, run: t.run, reg: reg}, nil
}

type tracingHandle struct {
	syncer.Handle
	run *run
	reg syncer.Registration
}

func (h *tracingHandle) Publish(u syncer.Update) error {
	h.run.record(Event{Kind: KindPublish, Session: h.reg.SessionID, Store: h.reg.Key, Update: &u})
	return h.Handle.Publish(u)
}
