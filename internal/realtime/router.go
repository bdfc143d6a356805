package realtime

import (
	"context"
	"log/slog"

	"blockverse/internal/feed"
	"blockverse/internal/observability"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Outcomes recorded per routed event.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
)

// Router applies push events to the views: new posts are prepended, updates
// merged into existing entries only.
type Router struct {
	views  *feed.Views
	src    feed.ActorSource
	logger *slog.Logger
}

func NewRouter(views *feed.Views, src feed.ActorSource) *Router {
	return &Router{
		views:  views,
		src:    src,
		logger: observability.GlobalLogger.With(slog.String("component", "realtime")),
	}
}

// Handle routes one raw push message and returns its outcome.
func (r *Router) Handle(ctx context.Context, raw []byte) string {
	a, err := r.src.CurrentActor()
	if err != nil {
		observability.PushEvents.WithLabelValues("unknown", OutcomeIgnored).Inc()
		return OutcomeIgnored
	}

	eventType, post, err := DecodePost(raw, a.Principal())
	if err != nil {
		if eventType == "" {
			eventType = "unknown"
		}
		observability.PushEvents.WithLabelValues(eventType, OutcomeMalformed).Inc()
		r.logger.WarnContext(ctx, "dropping push event", slog.String("type", eventType), slog.String("error", err.Error()))
		return OutcomeMalformed
	}

	outcome := OutcomeApplied
	switch eventType {
	case TypeNewPost:
		// A post already cached (our own confirmed create, or a repeat) is
		// merged so its pending flag and like state survive.
		if _, cached := r.views.FindPost(post.ID); cached {
			r.views.MergePost(post)
		} else {
			r.views.PrependPost(post)
		}
	case TypePostUpdated:
		if !r.views.MergePost(post) {
			outcome = OutcomeIgnored
		}
	}
	observability.PushEvents.WithLabelValues(eventType, outcome).Inc()
	r.logger.DebugContext(ctx, "push event routed",
		slog.String("type", eventType),
		slog.String("post_id", post.ID),
		slog.String("outcome", outcome),
	)
	return outcome
}

// Run routes messages from bus until ctx is done.
func (r *Router) Run(ctx context.Context, bus *Bus) error {
	messages, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	r.Consume(ctx, messages)
	return nil
}

// Consume routes messages until the channel closes. The bus closes it when
// the subscribing context ends.
func (r *Router) Consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		r.Handle(ctx, msg.Payload)
		msg.Ack()
	}
}
