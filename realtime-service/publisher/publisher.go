// Package publisher turns domain events into room-addressed realtime messages.
package publisher

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wiki-realtime/realtime-service/domain"
	"wiki-realtime/shared/protocol"
)

const (
	tracerName = "wiki-realtime/publisher"
	spanName   = "publisher.handle"
)

// Lookup resolves the persisted state needed to address and version messages.
type Lookup interface {
	Document(ctx context.Context, id string) (domain.Document, error)
	Collection(ctx context.Context, id string) (domain.Collection, error)
}

// Emitter delivers an envelope to the members of its room.
type Emitter interface {
	Emit(ctx context.Context, env protocol.Envelope) error
}

// Options tune a Publisher.
type Options struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type route func(ctx context.Context, ev domain.Event) []protocol.Envelope

// Publisher maps every known event name to a routing function.
type Publisher struct {
	emitter Emitter
	lookup  Lookup
	logger  *log.Logger
	tracer  trace.Tracer
	routes  map[protocol.EventName]route
}

// New builds a publisher and verifies that every event name has a route.
func New(emitter Emitter, lookup Lookup, logger *log.Logger, opts Options) (*Publisher, error) {
	if emitter == nil || lookup == nil || logger == nil {
		return nil, errors.New("publisher: emitter, lookup and logger are required")
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	p := &Publisher{
		emitter: emitter,
		lookup:  lookup,
		logger:  logger,
		tracer:  tp.Tracer(tracerName),
	}
	p.routes = p.table()
	if err := checkRoutes(p.routes); err != nil {
		return nil, err
	}
	return p, nil
}

func checkRoutes(routes map[protocol.EventName]route) error {
	var missing []error
	for _, name := range protocol.EventNames {
		if routes[name] == nil {
			missing = append(missing, fmt.Errorf("no route for event %q", name))
		}
	}
	return errors.Join(missing...)
}

// Handle emits the messages for ev in order. Emission continues past failed
// envelopes; the failures are returned joined.
func (p *Publisher) Handle(ctx context.Context, ev domain.Event) error {
	ctx, span := p.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("event.name", string(ev.Name)),
		attribute.String("event.id", ev.ID),
	))
	defer span.End()

	r, ok := p.routes[ev.Name]
	if !ok {
		err := fmt.Errorf("no route for event %q", ev.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	envs := r(ctx, ev)
	span.SetAttributes(attribute.Int("messages.count", len(envs)))

	var errs []error
	for _, env := range envs {
		if err := p.emitter.Emit(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("emit %s to %s: %w", env.Message.Kind, env.Room, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// document resolves id; ok is false on any lookup failure, which is logged.
func (p *Publisher) document(ctx context.Context, ev domain.Event, id string) (domain.Document, bool) {
	doc, err := p.lookup.Document(ctx, id)
	if err != nil {
		p.miss(ev, protocol.EntityDocument, id, err)
		return domain.Document{ID: id}, false
	}
	return doc, true
}

func (p *Publisher) collection(ctx context.Context, ev domain.Event, id string) (domain.Collection, bool) {
	col, err := p.lookup.Collection(ctx, id)
	if err != nil {
		p.miss(ev, protocol.EntityCollection, id, err)
		return domain.Collection{ID: id}, false
	}
	return col, true
}

func (p *Publisher) miss(ev domain.Event, typ protocol.EntityType, id string, err error) {
	lookupMisses.WithLabelValues(string(typ)).Inc()
	entry := p.logger.WithFields(log.Fields{
		"event":    ev.Name,
		"event_id": ev.ID,
		"entity":   typ,
		"id":       id,
	})
	if errors.Is(err, domain.ErrNotFound) {
		entry.Info("entity gone before publish, sending id-only message")
		return
	}
	entry.WithError(err).Warn("entity lookup failed, sending id-only message")
}
