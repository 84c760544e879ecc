package monitor

import (
	"log/slog"

	"github.com/fabricmon/console/fabric"
)

// dispatcher applies service registry events from the fabric to the service
// cache and fans the change out to connected sessions. It runs on the
// fabric client's single delivery goroutine; each event is handled to
// completion before the next is seen. Ordering against the refresh loop is
// resolved solely by the cache's own mutual exclusion and generation check.
type dispatcher struct {
	services *ServiceCache
	live     *LiveRegistry
	log      *slog.Logger
}

// handleMessage is installed as the shared service client's message
// handler. Messages that are not registry events are ignored.
func (d *dispatcher) handleMessage(msg *fabric.Message) {
	if msg == nil || msg.Kind != fabric.KindEvent {
		return
	}
	switch msg.Topic {
	case fabric.ServiceRegisterEventTopic, fabric.ServiceUnregisterEventTopic:
	default:
		return
	}

	desc, err := fabric.ParseServiceDescriptor(msg.Payload)
	if err != nil {
		d.log.Warn("services.event.decode.fail",
			slog.String("topic", msg.Topic),
			slog.String("err", err.Error()))
		return
	}

	switch msg.Topic {
	case fabric.ServiceRegisterEventTopic:
		if !d.services.ApplyRegister(desc) {
			d.log.Warn("services.event.missing.guid", slog.String("topic", msg.Topic))
			return
		}
		d.log.Info("services.register", slog.String("service_guid", desc.GUID()))
	case fabric.ServiceUnregisterEventTopic:
		d.services.ApplyUnregister(desc)
		d.log.Info("services.unregister", slog.String("service_guid", desc.GUID()))
	}

	d.live.NotifyAll(ServiceUpdatesSignal)
}
