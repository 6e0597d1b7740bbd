// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package ingestion turns one raw client event into a canonical event.
//
// ProcessEvent resolves the event time, applies $create_alias and $identify
// to the identity graph, updates the team vocabulary, keeps the person and
// its properties current and appends the result to the durable log.
// Webhooks and plugin onEvent hooks run afterwards without blocking the
// caller. Every sequential stage runs under a soft watchdog.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/errorsink"
	"github.com/tomtom215/pulseline/internal/eventlog"
	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
	"github.com/tomtom215/pulseline/internal/teams"
	"github.com/tomtom215/pulseline/internal/validation"
	"github.com/tomtom215/pulseline/internal/watchdog"
	"github.com/tomtom215/pulseline/internal/webhooks"
	"github.com/tomtom215/pulseline/internal/workerpool"
)

// Event kinds used as metric labels.
const (
	kindCapture  = "capture"
	kindSnapshot = "snapshot"
)

// IdentityResolver is the part of identity.Resolver the pipeline drives.
type IdentityResolver interface {
	EnsurePerson(ctx context.Context, teamID int64, distinctID string) (*models.Person, error)
	SetIsIdentified(ctx context.Context, teamID int64, distinctID string) error
	UpdatePersonProperties(ctx context.Context, teamID int64, distinctID string, set, setOnce, increment map[string]any) (*models.Person, error)
	Alias(ctx context.Context, previousDistinctID, distinctID string, teamID int64, retryIfFailed bool) error
}

// TeamCache is the part of teams.MetadataCache the pipeline drives.
type TeamCache interface {
	FetchTeam(ctx context.Context, teamID int64) (*models.Team, error)
	UpdateEventNamesAndProperties(ctx context.Context, teamID int64, event string, properties map[string]any) (bool, error)
}

// JobEnqueuer accepts background jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.EnqueuedJob) error
}

// WebhookQueue accepts webhook deliveries without blocking.
type WebhookQueue interface {
	Enqueue(msg webhooks.Message) bool
}

// PluginRunner applies a team's plugins.
type PluginRunner interface {
	ProcessEvent(ctx context.Context, event *models.PluginEvent) *models.PluginEvent
	HasOnEvent(teamID int64) bool
	OnEvent(ctx context.Context, event *models.PluginEvent)
}

// Config holds the pipeline settings.
type Config struct {
	EventsTopic           string
	SessionRecordingTopic string
	WatchdogThreshold     time.Duration
	MaxEventNameLen       int
}

// Input is one event as received from a client.
type Input struct {
	DistinctID string `validate:"required,max=200"`
	IP         string
	SiteURL    string
	Data       models.RawEvent
	TeamID     int64     `validate:"gt=0"`
	Now        time.Time `validate:"required"`
	SentAt     *time.Time
	EventUUID  string
}

// InputFromMessage converts a broker message to pipeline input.
func InputFromMessage(m *models.IngestMessage) Input {
	return Input{
		DistinctID: m.DistinctID,
		IP:         m.IP,
		SiteURL:    m.SiteURL,
		Data:       m.Data,
		TeamID:     m.TeamID,
		Now:        m.Now,
		SentAt:     m.SentAt,
		EventUUID:  m.UUID,
	}
}

// Pipeline processes events. Jobs, webhooks and plugins are optional.
type Pipeline struct {
	cfg      Config
	resolver IdentityResolver
	teams    TeamCache
	producer eventlog.Producer
	jobs     JobEnqueuer
	webhooks WebhookQueue
	plugins  PluginRunner
	async    *workerpool.Pool
	sink     errorsink.Sink
	logger   zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithJobs enqueues first_team_event_ingested jobs.
func WithJobs(j JobEnqueuer) Option { return func(p *Pipeline) { p.jobs = j } }

// WithWebhooks announces events on team webhooks.
func WithWebhooks(w WebhookQueue) Option { return func(p *Pipeline) { p.webhooks = w } }

// WithPlugins runs processEvent hooks and dispatches onEvent hooks on pool.
func WithPlugins(r PluginRunner, pool *workerpool.Pool) Option {
	return func(p *Pipeline) {
		p.plugins = r
		p.async = pool
	}
}

// WithErrorSink reports side-effect failures that do not fail the event.
func WithErrorSink(s errorsink.Sink) Option { return func(p *Pipeline) { p.sink = s } }

// NewPipeline creates a pipeline that resolves identities through resolver,
// records vocabulary through teams and emits to producer. Jobs, webhooks,
// plugins and an error sink are optional and set with Option values.
func NewPipeline(cfg Config, resolver IdentityResolver, teams TeamCache, producer eventlog.Producer, logger *zerolog.Logger, opts ...Option) *Pipeline {
	if cfg.MaxEventNameLen <= 0 {
		cfg.MaxEventNameLen = DefaultMaxEventNameLen
	}
	p := &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		teams:    teams,
		producer: producer,
		sink:     errorsink.Nop,
		logger:   logger.With().Str("component", "ingestion").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// validate checks the input before any side effect.
func validate(in *Input) error {
	if verr := validation.ValidateStruct(in); verr != nil {
		return verr
	}
	if _, err := uuid.Parse(in.EventUUID); err != nil {
		verr := &validation.RequestValidationError{Fields: []validation.FieldError{{
			Field:   "Input.EventUUID",
			Tag:     "uuid",
			Message: "Input.EventUUID must be a valid UUID",
		}}}
		return fmt.Errorf("%w %q: %w", ErrInvalidUUID, in.EventUUID, verr)
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return watchdog.Run(ctx, name, p.cfg.WatchdogThreshold, fn)
}

func (p *Pipeline) eventContext(ctx context.Context, in *Input) context.Context {
	ctx = logging.WithEventUUID(ctx, in.EventUUID)
	ctx = logging.WithTeamID(ctx, in.TeamID)
	return logging.ContextWithLogger(ctx, p.logger)
}

// ProcessEvent runs one event through the pipeline. Errors are returned to
// the caller, which owns retries.
func (p *Pipeline) ProcessEvent(ctx context.Context, in Input) error {
	if err := validate(&in); err != nil {
		return err
	}
	ctx = p.eventContext(ctx, &in)
	return p.process(ctx, &in)
}

func (p *Pipeline) process(ctx context.Context, in *Input) error {
	logger := logging.Ctx(ctx)
	properties := mergedProperties(&in.Data)

	ts, err := HandleTimestamp(&in.Data, in.Now, in.SentAt, logger)
	if err != nil {
		metrics.RecordEvent(kindCapture, err)
		return err
	}

	if err := p.applyIdentity(ctx, in, properties); err != nil {
		metrics.RecordEvent(kindCapture, err)
		return err
	}

	if in.Data.Event == models.EventSnapshot {
		err := p.emitSnapshot(ctx, in, properties, ts)
		metrics.RecordEvent(kindSnapshot, err)
		return err
	}

	err = p.capture(ctx, in, properties, ts)
	metrics.RecordEvent(kindCapture, err)
	return err
}

// mergedProperties copies the event properties and folds the top-level
// $set and $set_once into them.
func mergedProperties(data *models.RawEvent) map[string]any {
	props := maps.Clone(data.Properties)
	if props == nil {
		props = make(map[string]any)
	}
	for key, top := range map[string]map[string]any{models.PropSet: data.Set, models.PropSetOnce: data.SetOnce} {
		if len(top) == 0 {
			continue
		}
		merged, _ := models.PropertyMap(props[key])
		merged = maps.Clone(merged)
		if merged == nil {
			merged = make(map[string]any, len(top))
		}
		maps.Copy(merged, top)
		props[key] = merged
	}
	return props
}

func (p *Pipeline) applyIdentity(ctx context.Context, in *Input, properties map[string]any) error {
	switch in.Data.Event {
	case models.EventCreateAlias:
		alias, _ := properties[models.PropAlias].(string)
		if alias == "" {
			return ErrMissingAlias
		}
		return p.stage(ctx, "alias", func(ctx context.Context) error {
			return p.resolver.Alias(ctx, alias, in.DistinctID, in.TeamID, true)
		})

	case models.EventIdentify:
		if anon, _ := properties[models.PropAnonDistinctID].(string); anon != "" {
			if err := p.stage(ctx, "alias", func(ctx context.Context) error {
				return p.resolver.Alias(ctx, anon, in.DistinctID, in.TeamID, true)
			}); err != nil {
				return err
			}
		}
		return p.stage(ctx, "identify", func(ctx context.Context) error {
			return p.resolver.SetIsIdentified(ctx, in.TeamID, in.DistinctID)
		})
	}
	return nil
}

func (p *Pipeline) emitSnapshot(ctx context.Context, in *Input, properties map[string]any, ts time.Time) error {
	rec := &models.SessionRecordingEvent{
		UUID:         in.EventUUID,
		TeamID:       in.TeamID,
		DistinctID:   in.DistinctID,
		SessionID:    stringProp(properties, models.PropSessionID),
		Timestamp:    ts,
		SnapshotData: snapshotData(properties[models.PropSnapshotData]),
	}
	return p.stage(ctx, "emit_snapshot", func(ctx context.Context) error {
		return p.producer.Publish(ctx, p.cfg.SessionRecordingTopic, in.EventUUID, rec)
	})
}

func stringProp(properties map[string]any, key string) string {
	s, _ := properties[key].(string)
	return s
}

// snapshotData keeps string payloads verbatim and encodes anything else.
func snapshotData(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return d
	}
	b, err := gojson.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (p *Pipeline) capture(ctx context.Context, in *Input, properties map[string]any, ts time.Time) error {
	name := SanitizeEventName(in.Data.Event, p.cfg.MaxEventNameLen)
	elements := ElementsFromProperties(properties)

	var firstEvent bool
	if err := p.stage(ctx, "team_metadata", func(ctx context.Context) error {
		var err error
		firstEvent, err = p.teams.UpdateEventNamesAndProperties(ctx, in.TeamID, name, properties)
		return err
	}); err != nil {
		return fmt.Errorf("update team metadata: %w", err)
	}
	if firstEvent {
		p.enqueueFirstEvent(ctx, in.TeamID, name)
	}

	team, err := p.teams.FetchTeam(ctx, in.TeamID)
	if err != nil {
		return fmt.Errorf("fetch team: %w", err)
	}
	if team == nil {
		team = &models.Team{ID: in.TeamID}
	}

	ip := in.IP
	if team.AnonymizeIPs {
		ip = ""
	} else if _, set := properties[models.PropIP]; !set && ip != "" {
		properties[models.PropIP] = ip
	}

	if err := p.stage(ctx, "person", func(ctx context.Context) error {
		_, err := p.resolver.EnsurePerson(ctx, in.TeamID, in.DistinctID)
		return err
	}); err != nil {
		return fmt.Errorf("ensure person: %w", err)
	}

	set, _ := models.PropertyMap(properties[models.PropSet])
	setOnce, _ := models.PropertyMap(properties[models.PropSetOnce])
	increment, _ := models.PropertyMap(properties[models.PropIncrement])
	if len(set) > 0 || len(setOnce) > 0 || len(increment) > 0 {
		if err := p.stage(ctx, "person_properties", func(ctx context.Context) error {
			_, err := p.resolver.UpdatePersonProperties(ctx, in.TeamID, in.DistinctID, set, setOnce, increment)
			return err
		}); err != nil {
			return fmt.Errorf("update person properties: %w", err)
		}
	}

	event := &models.PluginEvent{
		UUID:       in.EventUUID,
		TeamID:     in.TeamID,
		DistinctID: in.DistinctID,
		IP:         ip,
		SiteURL:    in.SiteURL,
		Event:      name,
		Properties: properties,
		Timestamp:  ts,
		Elements:   elements,
		Now:        in.Now,
		SentAt:     in.SentAt,
	}
	if err := p.stage(ctx, "emit_event", func(ctx context.Context) error {
		return p.producer.Publish(ctx, p.cfg.EventsTopic, in.EventUUID, event)
	}); err != nil {
		return fmt.Errorf("emit event: %w", err)
	}

	p.dispatchSideEffects(ctx, team, event)
	return nil
}

// enqueueFirstEvent reports instead of failing: the team flag has already
// flipped, so a retried event would not enqueue again anyway.
func (p *Pipeline) enqueueFirstEvent(ctx context.Context, teamID int64, name string) {
	if p.jobs == nil {
		return
	}
	payload, err := gojson.Marshal(models.FirstTeamEventPayload{TeamID: teamID, EventName: name})
	if err == nil {
		err = p.jobs.Enqueue(ctx, &models.EnqueuedJob{
			Type:             models.JobTypeFirstTeamEventIngested,
			Payload:          payload,
			PluginConfigTeam: teamID,
		})
	}
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("enqueue first event job failed")
		p.sink.Capture(ctx, fmt.Errorf("enqueue first event job: %w", err), map[string]string{
			"source":  "ingestion",
			"team_id": strconv.FormatInt(teamID, 10),
		})
	}
}

func (p *Pipeline) dispatchSideEffects(ctx context.Context, team *models.Team, event *models.PluginEvent) {
	logger := logging.Ctx(ctx)

	if p.webhooks != nil && team.SlackIncomingWebhook != "" {
		p.webhooks.Enqueue(webhooks.Message{
			URL:       team.SlackIncomingWebhook,
			Text:      webhooks.EventText(event),
			TeamID:    team.ID,
			EventUUID: event.UUID,
		})
	}

	if p.plugins == nil || p.async == nil || !p.plugins.HasOnEvent(event.TeamID) {
		return
	}
	snapshot := event.Clone()
	if _, err := p.async.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		p.plugins.OnEvent(ctx, snapshot)
		return nil
	}); err != nil {
		logger.Warn().Err(err).Msg("onEvent dispatch skipped")
	}
}

// RunPluginsAndProcess runs the team's processEvent hooks and then the
// pipeline on whatever they return. A plugin that drops the event ends
// processing without an error. Snapshots skip the hooks.
func (p *Pipeline) RunPluginsAndProcess(ctx context.Context, in Input) error {
	if err := validate(&in); err != nil {
		return err
	}
	ctx = p.eventContext(ctx, &in)
	if p.plugins == nil || in.Data.Event == models.EventSnapshot {
		return p.process(ctx, &in)
	}

	ts, err := HandleTimestamp(&in.Data, in.Now, in.SentAt, logging.Ctx(ctx))
	if err != nil {
		metrics.RecordEvent(kindCapture, err)
		return err
	}
	before := &models.PluginEvent{
		UUID:       in.EventUUID,
		TeamID:     in.TeamID,
		DistinctID: in.DistinctID,
		IP:         in.IP,
		SiteURL:    in.SiteURL,
		Event:      in.Data.Event,
		Properties: mergedProperties(&in.Data),
		Timestamp:  ts,
		Now:        in.Now,
		SentAt:     in.SentAt,
	}

	var after *models.PluginEvent
	_ = p.stage(ctx, "plugins", func(ctx context.Context) error {
		after = p.plugins.ProcessEvent(ctx, before)
		return nil
	})
	if after == nil {
		metrics.RecordEventDropped(kindCapture)
		logging.Ctx(ctx).Info().Msg("event dropped by plugin")
		return nil
	}

	in.Data = models.RawEvent{
		Event:      after.Event,
		Properties: after.Properties,
		Timestamp:  after.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	in.SentAt = nil
	in.DistinctID = after.DistinctID
	in.IP = after.IP
	in.SiteURL = after.SiteURL
	if err := validate(&in); err != nil {
		return err
	}
	return p.process(ctx, &in)
}

// IsPermanent reports errors that will fail the same way on every retry.
func IsPermanent(err error) bool {
	var verr *validation.RequestValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrInvalidUUID) ||
		errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrMissingAlias) ||
		errors.Is(err, teams.ErrTeamNotFound)
}
