// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package ingestion

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/pulseline/internal/consumer"
	"github.com/tomtom215/pulseline/internal/eventlog"
	"github.com/tomtom215/pulseline/internal/models"
)

// Processor adapts the pipeline to the ingest topic consumer. Messages that
// cannot decode or can never pass validation are acked and dropped; every
// other failure is nacked for redelivery.
func (p *Pipeline) Processor() consumer.Processor {
	return func(ctx context.Context, msg *message.Message) error {
		m, err := eventlog.Decode[models.IngestMessage](msg.Payload)
		if err != nil {
			return consumer.Permanent(fmt.Errorf("decode ingest message %s: %w", msg.UUID, err))
		}
		err = p.RunPluginsAndProcess(ctx, InputFromMessage(m))
		if IsPermanent(err) {
			return consumer.Permanent(err)
		}
		return err
	}
}
