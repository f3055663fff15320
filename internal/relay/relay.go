// Package relay coordinates one reply stream: it persists the user turn,
// obtains a complete reply from the provider, paces it through the chunker,
// frames fragments as wire events, and flushes partial content to the store
// on a throttled schedule.
package relay

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/observability"
	"github.com/calliope-chat/calliope/internal/provider"
	"github.com/calliope-chat/calliope/internal/stream"
)

// InterruptedMarker is appended to persisted content when the user stops a
// reply mid-stream.
const InterruptedMarker = "\n\n[Conversation interrupted]"

// DefaultFlushEvery is the persistence throttle: accumulated characters
// between intermediate flushes. Too low hammers the store, too high loses
// more content on a crash.
const DefaultFlushEvery = 20

// Sink delivers framed events to the client. Implementations must preserve
// emission order.
type Sink interface {
	Send(ev Event) error
}

// Relay drives reply streams. A single Relay serves concurrent connections;
// each Run call owns all of its mutable state. A run moves through
// awaiting-reply, streaming, and exactly one terminal outcome: completed,
// interrupted, or failed.
type Relay struct {
	store      chat.Store
	responder  provider.Responder
	chunker    *stream.Chunker
	flushEvery int
	metrics    *observability.Metrics
}

func New(store chat.Store, responder provider.Responder, chunker *stream.Chunker, flushEvery int, metrics *observability.Metrics) *Relay {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Relay{
		store:      store,
		responder:  responder,
		chunker:    chunker,
		flushEvery: flushEvery,
		metrics:    metrics,
	}
}

// Run streams one exchange. ctx is the client connection's context; its
// cancellation is the user's stop signal. The returned error reports
// relay-internal failures only; provider errors and interruptions are
// terminal wire events, not errors.
func (r *Relay) Run(ctx context.Context, sess *chat.Session, prompt string, sink Sink) error {
	started := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveStreams.Inc()
		defer func() {
			r.metrics.ActiveStreams.Dec()
			r.metrics.ObserveStreamDuration(time.Since(started))
		}()
	}

	// Store writes must survive a client abort: the whole point of the
	// interrupted path is persisting what was generated so far.
	persistCtx := context.WithoutCancel(ctx)

	userMsg, err := r.store.CreateMessage(persistCtx, sess.ID, chat.RoleUser, prompt)
	if err != nil {
		return err
	}
	if err := r.send(sink, NewUserMessageEvent(*userMsg)); err != nil {
		return err
	}

	history := append(append([]chat.Message{}, sess.Messages...), *userMsg)
	reply, err := r.responder.Complete(ctx, history)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away while we waited for the provider. There is no
			// reply turn yet and nobody left to signal.
			return nil
		}
		kind := provider.KindOf(err)
		log.Printf("relay: provider failure for session %s: %v", sess.ID, err)
		if r.metrics != nil {
			r.metrics.ProviderErrors.WithLabelValues(string(kind)).Inc()
		}
		return r.send(sink, NewErrorEvent(kind, ""))
	}
	if r.metrics != nil {
		r.metrics.ObserveStage(observability.StagePromptToReply, time.Since(started))
	}

	assistantMsg, err := r.store.CreateMessage(persistCtx, sess.ID, chat.RoleAssistant, "")
	if err != nil {
		return err
	}
	if err := r.send(sink, NewStartEvent(assistantMsg.ID)); err != nil {
		return err
	}

	var acc strings.Builder
	sinceFlush := 0

	streamErr := r.chunker.Stream(ctx, reply, func(fragment string) error {
		acc.WriteString(fragment)
		if err := r.send(sink, NewChunkEvent(assistantMsg.ID, fragment)); err != nil {
			return err
		}
		sinceFlush += utf8.RuneCountInString(fragment)
		if sinceFlush >= r.flushEvery {
			r.flushIntermediate(persistCtx, assistantMsg.ID, acc.String())
			sinceFlush = 0
		}
		return nil
	})

	switch {
	case streamErr == nil:
		flushStart := time.Now()
		if err := r.store.UpdateMessageContent(persistCtx, assistantMsg.ID, acc.String()); err != nil {
			log.Printf("relay: final flush failed for message %s: %v", assistantMsg.ID, err)
			r.countFlush("final", "error")
			return r.send(sink, NewErrorEvent(provider.KindUnknown, assistantMsg.ID))
		}
		r.countFlush("final", "ok")
		if r.metrics != nil {
			r.metrics.ObserveStage(observability.StageFinalFlush, time.Since(flushStart))
		}
		if err := r.store.TouchSession(persistCtx, sess.ID); err != nil {
			log.Printf("relay: touch session %s failed: %v", sess.ID, err)
		}
		return r.send(sink, NewDoneEvent(assistantMsg.ID))

	case errors.Is(streamErr, stream.ErrInterrupted) || ctx.Err() != nil:
		if err := r.store.UpdateMessageContent(persistCtx, assistantMsg.ID, acc.String()+InterruptedMarker); err != nil {
			log.Printf("relay: interrupted flush failed for message %s: %v", assistantMsg.ID, err)
			r.countFlush("interrupted", "error")
		} else {
			r.countFlush("interrupted", "ok")
		}
		// The client usually aborted the transport; delivery is best-effort
		// confirmation for consumers that stopped via a separate control path.
		if err := r.send(sink, NewInterruptedEvent(assistantMsg.ID)); err != nil {
			return nil
		}
		return nil

	default:
		// Sink failure with a live context: the connection broke under us.
		if err := r.store.UpdateMessageContent(persistCtx, assistantMsg.ID, acc.String()+InterruptedMarker); err != nil {
			log.Printf("relay: teardown flush failed for message %s: %v", assistantMsg.ID, err)
		}
		return streamErr
	}
}

// flushIntermediate persists partial content best-effort: a failed throttled
// write never aborts the stream.
func (r *Relay) flushIntermediate(ctx context.Context, messageID, content string) {
	if err := r.store.UpdateMessageContent(ctx, messageID, content); err != nil {
		log.Printf("relay: intermediate flush failed for message %s: %v", messageID, err)
		r.countFlush("intermediate", "error")
		return
	}
	r.countFlush("intermediate", "ok")
}

func (r *Relay) send(sink Sink, ev Event) error {
	if err := sink.Send(ev); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.StreamEvents.WithLabelValues(string(ev.EventType())).Inc()
	}
	return nil
}

func (r *Relay) countFlush(kind, outcome string) {
	if r.metrics != nil {
		r.metrics.StoreFlushes.WithLabelValues(kind, outcome).Inc()
	}
}
