/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package listener

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/config"
)

// heartbeatTopic carries broker liveness pings, never science alerts.
const heartbeatTopic = "gcn.heartbeat"

// defaultTopics is the static subscription list.
var defaultTopics = []string{
	"igwn.gwalert",
	"gcn.classic.voevent.FERMI_GBM_FLT_POS",
	"gcn.classic.voevent.FERMI_GBM_GND_POS",
	"gcn.classic.voevent.FERMI_GBM_FIN_POS",
	"gcn.classic.voevent.SWIFT_BAT_GRB_POS_ACK",
	"gcn.classic.voevent.GECAM_FLT",
	"gcn.classic.voevent.GECAM_GND",
	"gcn.notices.einstein_probe.wxt.alert",
	"gcn.classic.voevent.ICECUBE_ASTROTRACK_GOLD",
	"gcn.classic.voevent.ICECUBE_ASTROTRACK_BRONZE",
	"gcn.classic.voevent.ICECUBE_CASCADE",
	heartbeatTopic,
}

// StreamListener consumes alert topics from the Kafka broker.
type StreamListener struct {
	cfg      config.Kafka
	ingestor *Ingestor
	tracker  *Tracker
	topics   []string
	log      *zap.Logger

	notifyErr func(ctx context.Context, text string)
}

// NewStreamListener builds a STREAM-mode listener. notifyErr forwards
// out-of-band error reports and may be nil.
func NewStreamListener(cfg config.Kafka, ing *Ingestor, tr *Tracker, log *zap.Logger, notifyErr func(context.Context, string)) *StreamListener {
	return &StreamListener{
		cfg:       cfg,
		ingestor:  ing,
		tracker:   tr,
		topics:    defaultTopics,
		log:       log.Named("kafka"),
		notifyErr: notifyErr,
	}
}

// Run consumes until the context is cancelled, reconnecting with backoff
// after broker errors.
func (l *StreamListener) Run(ctx context.Context) error {
	cfg, err := l.saramaConfig()
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 8 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		group, err := sarama.NewConsumerGroup([]string{l.cfg.Broker}, l.cfg.GroupID, cfg)
		if err != nil {
			l.report(ctx, fmt.Sprintf("failed to join consumer group: %v", err))
			if !l.sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		h := &groupHandler{listener: l, backdate: l.cfg.Backdate, broker: l.cfg.Broker, config: cfg}
		err = group.Consume(ctx, l.topics, h)
		_ = group.Close()
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.report(ctx, fmt.Sprintf("consumer stopped: %v", err))
		} else {
			l.log.Info("consumer rebalanced, rejoining")
			bo.Reset()
		}
		if !l.sleep(ctx, bo.NextBackOff()) {
			return ctx.Err()
		}
	}
}

func (l *StreamListener) saramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "alert-sentinel"
	cfg.Consumer.Return.Errors = false
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if l.cfg.Backdate {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	cfg.Net.TLS.Enable = true
	cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	cfg.Net.SASL.Enable = true
	if l.cfg.TokenEndpoint != "" {
		cfg.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		cfg.Net.SASL.TokenProvider = &oauthTokenProvider{
			endpoint:     l.cfg.TokenEndpoint,
			clientID:     l.cfg.User,
			clientSecret: l.cfg.Password,
			client:       &http.Client{Timeout: 30 * time.Second},
		}
	} else {
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = l.cfg.User
		cfg.Net.SASL.Password = l.cfg.Password
	}
	return cfg, nil
}

func (l *StreamListener) report(ctx context.Context, text string) {
	l.log.Error(text)
	if l.notifyErr != nil {
		l.notifyErr(ctx, text)
	}
}

func (l *StreamListener) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	listener *StreamListener
	backdate bool
	broker   string
	config   *sarama.Config
}

// Setup fast-forwards the heartbeat topic when backdating, so a fresh
// consumer group does not replay weeks of pings.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	if !h.backdate {
		return nil
	}
	client, err := sarama.NewClient([]string{h.broker}, h.config)
	if err != nil {
		return fmt.Errorf("failed to query heartbeat offsets: %w", err)
	}
	defer client.Close()

	partitions, err := client.Partitions(heartbeatTopic)
	if err != nil {
		return fmt.Errorf("failed to list heartbeat partitions: %w", err)
	}
	for _, p := range partitions {
		latest, err := client.GetOffset(heartbeatTopic, p, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("failed to read heartbeat offset: %w", err)
		}
		session.MarkOffset(heartbeatTopic, p, latest, "")
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim drains one partition claim. Heartbeats refresh the tracker
// and are discarded; everything else is ingested. Offsets are committed
// even for undecodable messages.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.listener.tracker.Touch()
			if msg.Topic != heartbeatTopic {
				h.listener.ingestor.Ingest(ctx, msg.Value)
			}
			session.MarkMessage(msg, "")
		}
	}
}

// oauthTokenProvider fetches client-credentials tokens for OAUTHBEARER.
type oauthTokenProvider struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// Token requests a fresh access token. Sarama calls this on every SASL
// handshake, so no caching is needed.
func (p *oauthTokenProvider) Token() (*sarama.AccessToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	resp, err := p.client.Post(p.endpoint, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch broker token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker token endpoint returned %s", resp.Status)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse broker token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("broker token response missing access_token")
	}
	return &sarama.AccessToken{Token: body.AccessToken}, nil
}
