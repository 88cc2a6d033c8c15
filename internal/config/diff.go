package config

import (
	"slices"
	"strings"

	logx "stockbot/pkg/logx"
)

// SummarizeChange lists the changed sections and safe log fields. Tokens are
// never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout ||
		ot.SourceChannelID != nt.SourceChannelID || ot.RequiredGroupID != nt.RequiredGroupID ||
		ot.GroupLog != nt.GroupLog || !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int64("telegram.source_channel_id", nt.SourceChannelID),
			logx.Int64("telegram.required_group_id", nt.RequiredGroupID),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		fields = append(fields, logx.Any("delivery.rate_per_sec", newCfg.Delivery.RatePerSec))
	}
	if oldCfg.Sweeper != newCfg.Sweeper {
		changed = append(changed, "sweeper")
		fields = append(fields,
			logx.Bool("sweeper.enabled", newCfg.Sweeper.Enabled),
			logx.String("sweeper.schedule", newCfg.Sweeper.Schedule),
		)
	}
	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		changed = append(changed, "http")
		fields = append(fields,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
		)
	}

	op, np := oldCfg.Parser, newCfg.Parser
	if !slices.Equal(op.RestockMarkers, np.RestockMarkers) || op.FreeMarker != np.FreeMarker ||
		op.PaidMarker != np.PaidMarker || op.LinkPrefix != np.LinkPrefix || op.LinkSuffix != np.LinkSuffix {
		changed = append(changed, "parser")
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		fields = append(fields, logx.String("catalog.file", newCfg.Catalog.File))
	}
	return changed, fields
}

// RestartRequired lists changed sections that only take effect on restart.
// Owner ids and the log chat apply live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout ||
		ot.SourceChannelID != nt.SourceChannelID || ot.RequiredGroupID != nt.RequiredGroupID {
		out = append(out, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Ingest != newCfg.Ingest {
		out = append(out, "ingest")
	}
	if oldCfg.Sweeper != newCfg.Sweeper {
		out = append(out, "sweeper")
	}
	op, np := oldCfg.Parser, newCfg.Parser
	if !slices.Equal(op.RestockMarkers, np.RestockMarkers) || op.FreeMarker != np.FreeMarker ||
		op.PaidMarker != np.PaidMarker || op.LinkPrefix != np.LinkPrefix || op.LinkSuffix != np.LinkSuffix {
		out = append(out, "parser")
	}
	if oldCfg.Catalog != newCfg.Catalog {
		out = append(out, "catalog")
	}
	return out
}
