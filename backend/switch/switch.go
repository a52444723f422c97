package _switch

import (
	"sync"

	"github.com/adwski/watchparty/backend/model"
	"github.com/rs/zerolog"
)

// Endpoint is a connected peer as seen by the switch.
type Endpoint struct {
	ID   string
	Wire model.Wire
}

// Switch is a registry of session endpoints and fans out announcements to them.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

// Connect registers endpoint and returns resulting endpoint count.
func (sw *Switch) Connect(endpoint string, wire model.Wire) int {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.fwd[endpoint] = wire
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
	return len(sw.fwd)
}

// Disconnect removes endpoint. It reports whether endpoint was registered
// and resulting endpoint count.
func (sw *Switch) Disconnect(endpoint string) (bool, int) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[endpoint]; !ok {
		return false, len(sw.fwd)
	}
	delete(sw.fwd, endpoint)
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
	return true, len(sw.fwd)
}

func (sw *Switch) Has(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

func (sw *Switch) Len() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// Only returns snapshot of a single endpoint suitable for Deliver.
func (sw *Switch) Only(id string) ([]Endpoint, bool) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	wire, ok := sw.fwd[id]
	if !ok {
		return nil, false
	}
	return []Endpoint{{ID: id, Wire: wire}}, true
}

// Endpoints returns snapshot of all endpoints except the given one.
// Empty except means everyone.
func (sw *Switch) Endpoints(except string) []Endpoint {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	eps := make([]Endpoint, 0, len(sw.fwd))
	for id, wire := range sw.fwd {
		if id != except {
			eps = append(eps, Endpoint{ID: id, Wire: wire})
		}
	}
	return eps
}

// Deliver enqueues announcement to every target and returns ids of endpoints
// that could not take it. It never blocks: endpoint that is gone or whose
// outbound buffer is full is reported as failed.
func (sw *Switch) Deliver(ann model.Announcement, targets []Endpoint) []string {
	var failed []string
	for _, ep := range targets {
		logger := sw.logger.With().
			Str("type", ann.Type).
			Str("dst", ep.ID).Logger()
		if !send(ann, ep.Wire) {
			logger.Warn().Msg("dead endpoint")
			failed = append(failed, ep.ID)
			continue
		}
		logger.Trace().Msg("announce is forwarded")
	}
	return failed
}

func send(ann model.Announcement, wire model.Wire) bool {
	select {
	case <-wire.Done:
		return false
	default:
	}
	select {
	case wire.TX <- ann:
		return true
	default:
		return false
	}
}
