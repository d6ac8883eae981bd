package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"attribution/config"
	"attribution/delivery"
	"attribution/events"
	"attribution/metrics"
	"attribution/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func (e *Engine) TrackAppOpen(shortLink string, done ResponseFunc) error {
	return e.track(models.EventTypeAppOpen, events.BuildOptions{ShortLink: shortLink}, done)
}

func (e *Engine) TrackAppOpenFromShortLink(shortLink string, done ResponseFunc) error {
	return e.track(models.EventTypeAppOpenShortLink, events.BuildOptions{ShortLink: shortLink}, done)
}

func (e *Engine) TrackSessionStart(shortLink string, done ResponseFunc) error {
	return e.track(models.EventTypeSessionStart, events.BuildOptions{ShortLink: shortLink}, done)
}

func (e *Engine) TrackSessionStartFromShortLink(shortLink string, done ResponseFunc) error {
	return e.track(models.EventTypeSessionStartShortLink, events.BuildOptions{ShortLink: shortLink}, done)
}

func (e *Engine) TrackShortLinkClick(shortLink, deepLink string, done ResponseFunc) error {
	return e.track(models.EventTypeShortLinkClick, events.BuildOptions{ShortLink: shortLink, DeepLink: deepLink}, done)
}

// TrackCustomEvent sends an arbitrary event type with caller extras merged
// over the fixed schema.
func (e *Engine) TrackCustomEvent(eventType, shortLink string, extra map[string]string, done ResponseFunc) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event type is required", config.ErrInvalidArgument)
	}
	return e.track(eventType, events.BuildOptions{ShortLink: shortLink, Extra: extra}, done)
}

// TrackAppInstallFromReferrer sends app_install with the referrer forwarded
// verbatim for server-side fingerprinting.
func (e *Engine) TrackAppInstallFromReferrer(referrer string, done ResponseFunc) error {
	return e.track(models.EventTypeAppInstall, events.BuildOptions{Referrer: referrer}, done)
}

// TrackAppInstall fetches the install data for shortLink, caches it, and
// sends app_install with the pairs merged into the event extras. A failed
// fetch is logged and the install is sent without pairs.
func (e *Engine) TrackAppInstall(shortLink, referrer string, done ResponseFunc) error {
	if !e.ready() {
		return ErrNotReady
	}
	if shortLink == "" {
		return fmt.Errorf("%w: shortlink is required", config.ErrInvalidArgument)
	}
	e.spawn(func(ctx context.Context) {
		pairs, err := e.sender.FetchInstallData(ctx, shortLink)
		if err != nil {
			e.log.Warn("engine: install data unavailable", zap.String("shortlink", shortLink), zap.Error(err))
		}
		if pairs == nil {
			pairs = map[string]string{}
		}
		data := models.InstallData{ShortLink: shortLink, KeyValuePairs: pairs, Timestamp: e.clock().UnixMilli()}
		if err := e.store.StoreInstallData(data); err != nil {
			e.log.Error("engine: store install data", zap.Error(err))
		}

		ev := e.factory.Build(models.EventTypeAppInstall, events.BuildOptions{
			ShortLink: shortLink,
			Referrer:  referrer,
			Extra:     pairs,
		})
		body, _ := e.deliver(ctx, ev)
		if done != nil {
			done(body)
		}
	})
	return nil
}

// track builds the event now and delivers it in the background.
func (e *Engine) track(eventType string, opts events.BuildOptions, done ResponseFunc) error {
	if !e.ready() {
		return ErrNotReady
	}
	e.dispatch(eventType, opts, done)
	return nil
}

func (e *Engine) dispatch(eventType string, opts events.BuildOptions, done ResponseFunc) {
	ev := e.factory.Build(eventType, opts)
	e.spawn(func(ctx context.Context) {
		body, _ := e.deliver(ctx, ev)
		if done != nil {
			done(body)
		}
	})
}

// deliver sends ev, retrying up to MaxRetryAttempts attempts in total. A 4xx
// answer or an invalid URL is not retried. An event that still fails is pushed to the failed-event queue and an error
// body is returned.
func (e *Engine) deliver(ctx context.Context, ev models.Event) (string, bool) {
	body, err := e.send(ctx, ev)
	if err == nil {
		e.metrics.Event(ev.EventType, metrics.OutcomeSuccess)
		return body, true
	}

	e.metrics.Event(ev.EventType, metrics.OutcomeFailure)
	e.log.Warn("engine: delivery failed, queueing event",
		zap.String("event_type", ev.EventType),
		zap.String("shortlink", ev.ShortLink),
		zap.Error(err),
	)
	if perr := e.store.PushFailedEvent(ev); perr != nil {
		e.log.Error("engine: queue failed event", zap.String("event_type", ev.EventType), zap.Error(perr))
	}
	e.metrics.QueueSize(len(e.store.FailedEvents()))

	if !delivery.IsErrorResponse(body) {
		body = delivery.ErrorBody(err.Error())
	}
	return body, false
}

func (e *Engine) send(ctx context.Context, ev models.Event) (string, error) {
	attempts := e.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		body  string
		tries int
	)
	op := func() error {
		tries++
		if tries > 1 {
			e.metrics.Event(ev.EventType, metrics.OutcomeRetried)
		}
		var err error
		body, err = e.sender.Send(ctx, ev)
		if errors.Is(err, delivery.ErrInvalidURL) || delivery.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		e.log.Debug("engine: retrying delivery",
			zap.String("event_type", ev.EventType),
			zap.Int("attempt", tries),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	return body, err
}

// RetryFailedEvents drains the failed-event queue and resends each event
// once through the normal retry policy. Events that fail again go back on
// the queue. It returns how many were delivered.
func (e *Engine) RetryFailedEvents(ctx context.Context) (int, error) {
	if !e.ready() {
		return 0, ErrNotReady
	}
	queued, err := e.store.DrainFailedEvents()
	if err != nil {
		return 0, fmt.Errorf("drain failed events: %w", err)
	}
	e.metrics.QueueSize(0)

	sent := 0
	for i, ev := range queued {
		if err := ctx.Err(); err != nil {
			// Put back what was not attempted.
			for _, rest := range queued[i:] {
				if perr := e.store.PushFailedEvent(rest); perr != nil {
					e.log.Error("engine: requeue event", zap.Error(perr))
				}
			}
			e.metrics.QueueSize(len(e.store.FailedEvents()))
			return sent, err
		}
		if _, ok := e.deliver(ctx, ev); ok {
			sent++
		}
	}
	e.log.Info("engine: failed events retried", zap.Int("queued", len(queued)), zap.Int("delivered", sent))
	return sent, nil
}
