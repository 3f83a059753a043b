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

/*
Package notifier composes Slack reports: a notice report when a message
arrives, an observing report once the survey is materialized, wakeup
forwarding for high-priority strategies, and error reporting.
*/
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/config"
	"github.com/astrosentinel/alert-sentinel/internal/handler"
	"github.com/astrosentinel/alert-sentinel/internal/notice"
	"github.com/astrosentinel/alert-sentinel/internal/strategy"
)

// slackAPI is the slice of the Slack client the notifier uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts reports to Slack. A disabled notifier logs instead.
type Notifier struct {
	api   slackAPI
	cfg   config.Slack
	sites []config.Site
	log   *zap.Logger
}

// New builds a notifier. When the config disables Slack the returned
// notifier only logs.
func New(cfg config.Slack, sites []config.Site, log *zap.Logger) *Notifier {
	n := &Notifier{cfg: cfg, sites: sites, log: log.Named("notifier")}
	if cfg.Enabled {
		n.api = slack.New(cfg.BotToken)
	}
	return n
}

// channelFor routes by event type, falling back to the default channel.
func (nf *Notifier) channelFor(eventType notice.EventType) string {
	if ch, ok := nf.cfg.EventChannels[string(eventType)]; ok {
		return ch
	}
	return nf.cfg.DefaultChannel
}

func (nf *Notifier) post(ctx context.Context, channel, text string) {
	if nf.api == nil || channel == "" {
		nf.log.Info("notification suppressed", zap.String("text", text))
		return
	}
	_, _, err := nf.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		nf.log.Error("failed to post Slack message",
			zap.String("channel", channel), zap.Error(err))
	}
}

// NoticeReport announces an incoming notice: provenance and event
// parameters, before the handler has run.
func (nf *Notifier) NoticeReport(ctx context.Context, n *notice.Notice) {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s notice* `%s`\n", n.Kind, n.IVORN)
	fmt.Fprintf(&b, "source: %s  role: %s  type: %s\n", n.Source, n.Role, n.Type)
	fmt.Fprintf(&b, "event: %s", n.EventName())
	if !n.EventTime.IsZero() {
		fmt.Fprintf(&b, "  at %s", n.EventTime.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
	if n.Position != nil {
		fmt.Fprintf(&b, "position: RA %.3f  Dec %.3f  err %.2f deg\n",
			n.Position.RA, n.Position.Dec, n.PositionError)
	}
	if n.GW != nil {
		fmt.Fprintf(&b, "group: %s  FAR: %.3g /yr  significant: %t\n",
			n.GW.Group, n.GW.FAR*365*86400, n.GW.Significant)
		if n.GW.External != nil {
			fmt.Fprintf(&b, "external coincidence with %s\n", n.GW.External.Observatory)
		}
	}
	if n.IceCube != nil {
		fmt.Fprintf(&b, "signalness: %.2f  FAR: %.3g /yr\n",
			n.IceCube.Signalness, n.IceCube.FAR)
	}
	nf.post(ctx, nf.channelFor(n.EventType), b.String())
}

// ObservingReport summarizes what the handler did: strategy, survey,
// selected tiles and per-site visibility over the plan's window.
func (nf *Notifier) ObservingReport(ctx context.Context, n *notice.Notice, res *handler.Result) {
	if res.StrategyKey == strategy.KeyIgnore {
		nf.post(ctx, nf.ignoredChannel(),
			fmt.Sprintf("notice `%s` for %s ignored", n.IVORN, res.EventName))
		return
	}
	if res.StrategyKey == strategy.KeyRetraction {
		nf.post(ctx, nf.channelFor(n.EventType),
			fmt.Sprintf("*RETRACTION* of %s: %d pending targets cancelled",
				res.EventName, res.Tombstoned))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*observing plan* for %s\n", res.EventName)
	fmt.Fprintf(&b, "strategy: %s", res.StrategyKey)
	if res.Plan != nil {
		fmt.Fprintf(&b, "  rank: %d  window: %s → %s",
			res.Plan.Rank,
			res.Plan.StartTime().UTC().Format(time.RFC3339),
			res.Plan.StopTime().UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
	if !res.RequiresUpdate {
		fmt.Fprintf(&b, "unchanged since previous notice, survey %s reused\n", res.SurveyName)
		nf.post(ctx, nf.channelFor(n.EventType), b.String())
		return
	}
	if res.Tombstoned > 0 {
		fmt.Fprintf(&b, "%d superseded targets cancelled\n", res.Tombstoned)
	}
	if res.SurveyName != "" {
		total := 0.0
		for _, t := range res.Tiles {
			total += t.Prob
		}
		fmt.Fprintf(&b, "survey %s: %d tiles covering %.1f%% probability\n",
			res.SurveyName, len(res.Tiles), 100*total)
	}
	if res.Sky != nil {
		fmt.Fprintf(&b, "skymap: nside %d, 90%% area %.0f deg2\n",
			res.Sky.NSide(), res.Sky.ContourArea(0.9))
	}
	if res.Plan != nil && len(res.Tiles) > 0 {
		for _, site := range nf.sites {
			vis := Visibility(site, res.Tiles, res.Plan)
			fmt.Fprintf(&b, "%s: %d/%d tiles visible, %.1f%% probability\n",
				site.Name, vis.VisibleTiles, len(res.Tiles), 100*vis.VisibleProb)
		}
	}
	nf.post(ctx, nf.channelFor(n.EventType), b.String())

	if res.Plan != nil && res.Plan.WakeupAlert && nf.cfg.WakeupChannel != "" {
		nf.post(ctx, nf.cfg.WakeupChannel,
			fmt.Sprintf("<!channel> wakeup: %s %s, survey %s",
				res.StrategyKey, res.EventName, res.SurveyName))
	}
}

// Error reports a component failure out of band.
func (nf *Notifier) Error(ctx context.Context, component string, err error) {
	nf.post(ctx, nf.cfg.DefaultChannel,
		fmt.Sprintf("ERROR in %s: %v", component, err))
}

// Warn forwards an out-of-band warning (heartbeat timeouts, reconnects).
func (nf *Notifier) Warn(ctx context.Context, text string) {
	nf.post(ctx, nf.cfg.DefaultChannel, "WARNING: "+text)
}

func (nf *Notifier) ignoredChannel() string {
	if nf.cfg.IgnoredChannel != "" {
		return nf.cfg.IgnoredChannel
	}
	return nf.cfg.DefaultChannel
}
