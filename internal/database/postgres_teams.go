// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package database

import (
	"context"

	"github.com/google/uuid"

	"github.com/tomtom215/pulseline/internal/models"
)

const teamColumns = `id, organization_id, name, api_token, ingested_event, event_names,
	event_properties, event_properties_numerical, anonymize_ips,
	slack_incoming_webhook, session_recording_opt_in`

func (s *PostgresStore) FetchTeam(ctx context.Context, teamID int64) (*models.Team, error) {
	var t models.Team
	err := s.q.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, teamID).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.APIToken, &t.IngestedEvent, &t.EventNames,
		&t.EventProperties, &t.EventPropertiesNumerical, &t.AnonymizeIPs,
		&t.SlackIncomingWebhook, &t.SessionRecordingOptIn,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTeam(ctx context.Context, t *models.Team) (*models.Team, error) {
	org := t.OrganizationID
	if org == uuid.Nil {
		org = uuid.New()
	}
	names := nonNil(t.EventNames)
	props := nonNil(t.EventProperties)
	numeric := nonNil(t.EventPropertiesNumerical)

	var id int64
	var err error
	if t.ID != 0 {
		err = s.q.QueryRow(ctx, `
			INSERT INTO teams (id, organization_id, name, api_token, ingested_event, event_names,
				event_properties, event_properties_numerical, anonymize_ips,
				slack_incoming_webhook, session_recording_opt_in)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, t.ID, org, t.Name, t.APIToken, t.IngestedEvent, names, props, numeric,
			t.AnonymizeIPs, t.SlackIncomingWebhook, t.SessionRecordingOptIn).Scan(&id)
	} else {
		err = s.q.QueryRow(ctx, `
			INSERT INTO teams (organization_id, name, api_token, ingested_event, event_names,
				event_properties, event_properties_numerical, anonymize_ips,
				slack_incoming_webhook, session_recording_opt_in)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, org, t.Name, t.APIToken, t.IngestedEvent, names, props, numeric,
			t.AnonymizeIPs, t.SlackIncomingWebhook, t.SessionRecordingOptIn).Scan(&id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return s.FetchTeam(ctx, id)
}

// UpdateTeamVocabulary merges arrays in SQL, preserving first-seen order, so
// two workers appending from stale snapshots both land.
func (s *PostgresStore) UpdateTeamVocabulary(ctx context.Context, teamID int64, v models.TeamVocabulary) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE teams SET
			ingested_event = ingested_event OR $2,
			event_names = `+arrayUnion("event_names", "$3")+`,
			event_properties = `+arrayUnion("event_properties", "$4")+`,
			event_properties_numerical = `+arrayUnion("event_properties_numerical", "$5")+`
		WHERE id = $1
	`, teamID, v.IngestedEvent, nonNil(v.EventNames), nonNil(v.EventProperties), nonNil(v.EventPropertiesNumerical))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTeamIngested flips ingested_event in one conditional UPDATE, so only
// the first writer across all instances sees a changed row.
func (s *PostgresStore) MarkTeamIngested(ctx context.Context, teamID int64) (bool, error) {
	tag, err := s.q.Exec(ctx, `UPDATE teams SET ingested_event = true WHERE id = $1 AND NOT ingested_event`, teamID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func arrayUnion(column, param string) string {
	return `ARRAY(
		SELECT x FROM unnest(` + column + ` || ` + param + `::text[]) WITH ORDINALITY AS t(x, o)
		GROUP BY x ORDER BY min(o))`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
